// cmd/gateway/monitor.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"iot-trust-gateway/internal/alerting"
	"iot-trust-gateway/internal/anomaly"
	"iot-trust-gateway/internal/api"
	"iot-trust-gateway/internal/auth"
	"iot-trust-gateway/internal/config"
	"iot-trust-gateway/internal/envelope"
	"iot-trust-gateway/internal/metrics"
	"iot-trust-gateway/internal/monitor"
	"iot-trust-gateway/internal/replay"
	"iot-trust-gateway/internal/secevent"
	"iot-trust-gateway/internal/storage"
	"iot-trust-gateway/internal/transport"
	"iot-trust-gateway/internal/websocket"
)

const (
	deliveryBuffer  = 256
	submitBuffer    = 64
	shutdownTimeout = 10 * time.Second
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch the broker and serve the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMonitor(ctx, cfg)
		},
	}
}

// newCodec returns nil when no key is configured.
func newCodec(c *config.Config) (*envelope.Codec, error) {
	key, err := c.EncryptionKey()
	if err != nil || key == nil {
		return nil, err
	}
	return envelope.NewCodec(key)
}

// newDialer picks the broker implementation. It returns nil for driver "none".
func newDialer(c *config.Config) transport.Dialer {
	switch c.Broker.Driver {
	case "amqp":
		return transport.AMQPDialer(c.Broker.URL)
	case "redis":
		return transport.RedisDialer(transport.RedisOptions{
			Addr:     c.Broker.Redis.Addr,
			Password: c.Broker.Redis.Password,
			DB:       c.Broker.Redis.DB,
		})
	default:
		return nil
	}
}

// openEventLog opens the configured sinks. eventDB is nil unless
// security.event_db is set.
func openEventLog(c *config.Config) (events *secevent.Log, eventDB *secevent.SQLiteSink, err error) {
	var sinks []secevent.Sink
	if c.Security.EventLog != "" {
		fs, err := secevent.OpenFileSink(c.Security.EventLog)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fs)
		log.Printf("Security events are appended to %s", fs.Path())
	}
	if c.Security.EventDB != "" {
		eventDB, err = secevent.OpenSQLiteSink(c.Security.EventDB)
		if err != nil {
			for _, s := range sinks {
				s.Close() //nolint:errcheck
			}
			return nil, nil, fmt.Errorf("open event database: %w", err)
		}
		sinks = append(sinks, eventDB)
	}
	return secevent.NewLog(c.Security.EventCapacity, sinks...), eventDB, nil
}

func runMonitor(ctx context.Context, c *config.Config) error {
	// --- Initialize Components ---
	registry := c.Registry()
	if len(registry.Devices()) == 0 {
		log.Warn("No devices configured; every signature will be rejected")
	}
	codec, err := newCodec(c)
	if err != nil {
		return err
	}
	if codec == nil {
		log.Warn("No encryption key configured; encrypted messages will be dropped")
	}

	events, eventDB, err := openEventLog(c)
	if err != nil {
		return err
	}
	defer events.Close() //nolint:errcheck

	m := metrics.New()
	hub := websocket.NewHub()
	hub.OnCount = m.SetClients
	events.Subscribe(m.EventRecorded)
	events.Subscribe(func(e secevent.Event) { hub.BroadcastEvent(e) })

	store := storage.NewMemoryStore()
	detector := anomaly.NewDetector(c.AnomalyConfig())
	alerter := alerting.NewAlerter(store, hub, c.Alerting.Rules)

	mon := monitor.New(monitor.Deps{
		Registry: registry,
		Codec:    codec,
		Guard:    replay.NewGuard(c.Security.ReplayWindow, c.Security.ClockSkew),
		Detector: detector,
		Events:   events,
		Observer: alerter,
		Recorder: m,
	})
	dispatcher := monitor.NewDispatcher(mon, submitBuffer)

	reporter, err := monitor.NewReporter(events, c.Security.SummaryInterval)
	if err != nil {
		return err
	}

	var querier api.EventQuerier
	if eventDB != nil {
		querier = eventDB
	}
	apiHandler := api.NewAPIHandler(api.Deps{
		Store:      store,
		Events:     events,
		EventDB:    querier,
		Detector:   detector,
		Registry:   registry,
		Hub:        hub,
		Dispatcher: dispatcher,
		Auth:       auth.NewAuthManager(c.Auth),
		Bindings:   c.Broker.Bindings,
	})
	limiter := api.NewRateLimiter(c.RateLimit.RequestsPerSecond, c.RateLimit.Burst)

	// --- Setup HTTP Servers ---
	dataServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Server.DataPort),
		Handler:           api.SetupDataRouter(apiHandler, limiter, m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	uiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Server.UIPort),
		Handler:           api.SetupUIRouter(apiHandler, limiter, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goFn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	deliveries := make(chan transport.Delivery, deliveryBuffer)
	goFn(func() { hub.Run(runCtx) })
	goFn(func() {
		if err := dispatcher.Run(runCtx, deliveries); err != nil {
			log.WithError(err).Error("Dispatcher stopped")
		}
	})

	if dial := newDialer(c); dial != nil {
		supervisor := transport.NewSupervisor(dial, c.Broker.Bindings, c.Broker.ReconnectDelay)
		goFn(func() {
			if err := supervisor.Run(runCtx, deliveries); err != nil {
				log.WithError(err).Error("Broker supervisor stopped")
			}
		})
		log.Printf("Monitoring %d binding(s) via %s", len(c.Broker.Bindings), c.Broker.Driver)
	} else {
		log.Print("Broker disabled; accepting messages over HTTP only")
	}

	reporter.Start()
	limiterStop := make(chan struct{})
	limiter.StartCleanup(time.Minute, limiterStop)

	serveErr := make(chan error, 2)
	for _, s := range []struct {
		name string
		srv  *http.Server
	}{{"Data Ingestion", dataServer}, {"Status API & WebSocket", uiServer}} {
		goFn(func() {
			log.Printf("Starting %s Server on %s", s.name, s.srv.Addr)
			if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("%s server: %w", s.name, err)
			}
		})
	}

	// --- Graceful Shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case runErr = <-serveErr:
		log.WithError(runErr).Error("Server failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, srv := range []*http.Server{dataServer, uiServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warnf("Shutdown of %s", srv.Addr)
		}
	}
	<-reporter.Stop().Done()
	close(limiterStop)
	cancel()
	wg.Wait()

	reporter.Report()
	log.Println("Gateway stopped.")
	return runErr
}
