package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict
	log "github.com/sirupsen/logrus"

	"iot-trust-gateway/internal/anomaly"
	"iot-trust-gateway/internal/auth"
	"iot-trust-gateway/internal/monitor"
	"iot-trust-gateway/internal/secevent"
	"iot-trust-gateway/internal/signing"
	"iot-trust-gateway/internal/storage"
	"iot-trust-gateway/internal/transport"
	"iot-trust-gateway/internal/websocket"
)

const (
	maxBodySize  = 64 << 10
	defaultLimit = 50
	maxLimit     = 1000
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // the feed is read-only and behind auth
}

// Submitter hands a delivery to the single-writer dispatcher.
type Submitter interface {
	Submit(ctx context.Context, d transport.Delivery) (monitor.Outcome, error)
}

// EventQuerier reads the durable event mirror.
type EventQuerier interface {
	Query(ctx context.Context, kind secevent.Kind, deviceID string, limit int) ([]secevent.Event, error)
	CountByKind(ctx context.Context) (map[secevent.Kind]int, error)
}

// Deps are the collaborators of the HTTP handlers. EventDB may be nil.
type Deps struct {
	Store      *storage.MemoryStore
	Events     *secevent.Log
	EventDB    EventQuerier
	Detector   *anomaly.Detector
	Registry   *signing.Registry
	Hub        *websocket.Hub
	Dispatcher Submitter
	Auth       *auth.AuthManager
	Bindings   []transport.Binding
}

type APIHandler struct {
	store      *storage.MemoryStore
	events     *secevent.Log
	eventDB    EventQuerier
	detector   *anomaly.Detector
	registry   *signing.Registry
	hub        *websocket.Hub
	dispatcher Submitter
	auth       *auth.AuthManager
	bindings   map[string]transport.Binding
}

func NewAPIHandler(deps Deps) *APIHandler {
	bindings := make(map[string]transport.Binding, len(deps.Bindings))
	for _, b := range deps.Bindings {
		bindings[b.Exchange] = b
	}
	return &APIHandler{
		store:      deps.Store,
		events:     deps.Events,
		eventDB:    deps.EventDB,
		detector:   deps.Detector,
		registry:   deps.Registry,
		hub:        deps.Hub,
		dispatcher: deps.Dispatcher,
		auth:       deps.Auth,
		bindings:   bindings,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}

type ingestResponse struct {
	Variant   string          `json:"variant"`
	Accepted  bool            `json:"accepted"`
	Integrity string          `json:"integrity,omitempty"`
	Events    []secevent.Kind `json:"events"`
}

// HandleDataIngest feeds a message posted over HTTP through the same monitor
// path as broker traffic. The exchange in the URL must be one of the
// configured bindings; its rules apply as if the message came off the broker.
func (h *APIHandler) HandleDataIngest(w http.ResponseWriter, r *http.Request) {
	exchange := chi.URLParam(r, "exchange")
	binding, ok := h.bindings[exchange]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown exchange %q", exchange))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		log.Printf("Error reading request body: %v", err)
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	defer r.Body.Close()

	out, err := h.dispatcher.Submit(r.Context(), transport.Delivery{
		Binding:    binding,
		Body:       body,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "monitor unavailable")
		return
	}
	if out.Err != nil {
		status := http.StatusBadRequest
		if errors.Is(out.Err, monitor.ErrNoKey) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, out.Err.Error())
		return
	}

	resp := ingestResponse{
		Variant:   out.Variant.String(),
		Accepted:  out.Accepted,
		Integrity: string(out.Integrity),
		Events:    make([]secevent.Kind, 0, len(out.Events)),
	}
	for _, e := range out.Events {
		resp.Events = append(resp.Events, e.Kind)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid login request")
		return
	}
	role, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		log.WithField("username", req.Username).Warn("Failed operator login")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.auth.GenerateJWT(req.Username, role)
	if err != nil {
		log.WithError(err).Error("Error generating token")
		writeError(w, http.StatusInternalServerError, "cannot issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": role})
}

// HandleSensorData returns the latest snapshot.
func (h *APIHandler) HandleSensorData(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Latest())
}

func (h *APIHandler) HandleReadings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.GetRecent(queryLimit(r)))
}

// HandleSecurityEvents lists recent events, newest last. With persisted=true
// it reads the durable mirror instead, newest first.
func (h *APIHandler) HandleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := secevent.Kind(q.Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event kind")
		return
	}
	limit := queryLimit(r)
	device := q.Get("device")

	if q.Get("persisted") == "true" {
		if h.eventDB == nil {
			writeError(w, http.StatusNotFound, "event database not configured")
			return
		}
		events, err := h.eventDB.Query(r.Context(), kind, device, limit)
		if err != nil {
			log.WithError(err).Error("Error querying event database")
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		writeJSON(w, http.StatusOK, nonNil(events))
		return
	}

	events := h.events.Recent(0, kind)
	if device != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.DeviceID == device {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func nonNil(events []secevent.Event) []secevent.Event {
	if events == nil {
		return []secevent.Event{}
	}
	return events
}

type summaryResponse struct {
	secevent.Summary
	Persisted map[secevent.Kind]int `json:"persisted,omitempty"`
}

func (h *APIHandler) HandleSecuritySummary(w http.ResponseWriter, r *http.Request) {
	resp := summaryResponse{Summary: h.events.Summary()}
	if h.eventDB != nil {
		counts, err := h.eventDB.CountByKind(r.Context())
		if err != nil {
			log.WithError(err).Error("Error counting persisted events")
		} else {
			resp.Persisted = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type deviceStatus struct {
	DeviceID string           `json:"device_id"`
	Tracked  bool             `json:"tracked"`
	History  *anomaly.History `json:"history,omitempty"`
}

// HandleDevices lists registered devices with their detector state.
func (h *APIHandler) HandleDevices(w http.ResponseWriter, _ *http.Request) {
	ids := h.registry.Devices()
	out := make([]deviceStatus, 0, len(ids))
	for _, id := range ids {
		st := deviceStatus{DeviceID: id}
		if hist, ok := h.detector.Snapshot(id); ok {
			st.Tracked = true
			st.History = &hist
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleResetSecurity clears the authenticated flag of the snapshot.
func (h *APIHandler) HandleResetSecurity(w http.ResponseWriter, r *http.Request) {
	h.store.ResetSecurity()
	p, _ := auth.FromContext(r.Context())
	log.WithField("operator", p.Username).Warn("Security status reset")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Security status reset successfully",
	})
}

// HandleWebSocket upgrades connections and registers clients with the hub
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	history, err := h.historyFrame()
	if err != nil {
		log.Printf("Error marshalling history data: %v", err)
		conn.Close()
		return
	}

	client := websocket.NewClient(h.hub, conn)
	if !h.hub.Join(client, history) {
		conn.Close()
		return
	}

	// Start read/write pumps in separate goroutines
	go client.WritePump()
	go client.ReadPump() // Must run ReadPump to handle control messages (close, pong)

	log.Printf("WebSocket connection established: %s", conn.RemoteAddr())
}

// historyFrame holds recent readings and events for a newly connected client.
func (h *APIHandler) historyFrame() ([]byte, error) {
	return websocket.Encode(websocket.TypeHistory, map[string]any{
		"snapshot": h.store.Latest(),
		"readings": h.store.GetRecent(defaultLimit),
		"events":   nonNil(h.events.Recent(defaultLimit, "")),
	})
}
