package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"iot-trust-gateway/internal/alerting"
	"iot-trust-gateway/internal/anomaly"
	"iot-trust-gateway/internal/auth"
	"iot-trust-gateway/internal/data"
	"iot-trust-gateway/internal/envelope"
	"iot-trust-gateway/internal/monitor"
	"iot-trust-gateway/internal/secevent"
	"iot-trust-gateway/internal/signing"
	"iot-trust-gateway/internal/storage"
	"iot-trust-gateway/internal/transport"
	"iot-trust-gateway/internal/websocket"
)

const (
	apiKey      = "device-key"
	otherAPIKey = "bench-key"
)

// directSubmitter handles deliveries inline; tests never submit concurrently.
type directSubmitter struct{ m *monitor.Monitor }

func (d directSubmitter) Submit(ctx context.Context, del transport.Delivery) (monitor.Outcome, error) {
	return d.m.Handle(ctx, del), nil
}

type testEnv struct {
	handler *APIHandler
	data    *chi.Mux
	ui      *chi.Mux
	signer  *signing.Signer
	auth    *auth.AuthManager
	hub     *websocket.Hub
	store   *storage.MemoryStore
	events  *secevent.Log
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	registry := signing.NewRegistry(map[string]signing.Credential{
		"farm_sensor_01": {SecretKey: "sensor01_secret_key", Permissions: []signing.Permission{signing.PermPublishData}},
	})
	hash, err := auth.HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	am := auth.NewAuthManager(auth.Config{
		JWTSecret: "test-secret",
		APIKeys:   []string{apiKey, otherAPIKey},
		Users:     []auth.User{{Username: "ops", PasswordHash: hash, Role: auth.RoleAdmin}},
	})

	store := storage.NewMemoryStore()
	hub := websocket.NewHub()
	events := secevent.NewLog(0)
	detector := anomaly.NewDetector(anomaly.DefaultConfig())
	mon := monitor.New(monitor.Deps{
		Registry: registry,
		Detector: detector,
		Events:   events,
		Observer: alerting.NewAlerter(store, hub, nil),
	})

	h := NewAPIHandler(Deps{
		Store:      store,
		Events:     events,
		Detector:   detector,
		Registry:   registry,
		Hub:        hub,
		Dispatcher: directSubmitter{m: mon},
		Auth:       am,
		Bindings:   transport.DefaultBindings(),
	})
	return &testEnv{
		handler: h,
		data:    SetupDataRouter(h, limiter, nil),
		ui:      SetupUIRouter(h, limiter, nil),
		signer:  signing.NewSigner(registry),
		auth:    am,
		hub:     hub,
		store:   store,
		events:  events,
	}
}

func (e *testEnv) signedBody(t *testing.T, temp float64) []byte {
	t.Helper()
	signed, err := e.signer.Sign(data.Fields{"temperature": temp, "humidity": 55.5, "soil_moisture": 512}, "farm_sensor_01")
	require.NoError(t, err)
	raw, err := envelope.Encode(envelope.Signed(signed))
	require.NoError(t, err)
	return raw
}

func (e *testEnv) token(t *testing.T, username, role string) string {
	t.Helper()
	tok, err := e.auth.GenerateJWT(username, role)
	require.NoError(t, err)
	return tok
}

func do(h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestDataIngest_SignedReadingAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := do(env.data, http.MethodPost, "/data/sensors.secure.topic", env.signedBody(t, 24.5), map[string]string{"X-API-Key": apiKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ingestResponse](t, rec)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "signed", resp.Variant)
	assert.Equal(t, string(data.IntegrityVerified), resp.Integrity)
	assert.Empty(t, resp.Events)

	snap := env.store.Latest()
	assert.Equal(t, "farm_sensor_01", snap.DeviceID)
	assert.Equal(t, 24.5, snap.Temperature)
	assert.True(t, snap.SecurityStatus.IsAuthenticated)
}

func TestDataIngest_SecurityEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	key := map[string]string{"X-API-Key": apiKey}

	rec := do(env.data, http.MethodPost, "/data/mitm.fanout", []byte(`{"temperature": 20}`), key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []secevent.Kind{secevent.MITMAttackDetected}, decode[ingestResponse](t, rec).Events)

	rec = do(env.data, http.MethodPost, "/data/sensors.secure.fanout", []byte(`{"temperature": 20, "device_id": "farm_sensor_01"}`), key)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ingestResponse](t, rec)
	assert.False(t, resp.Accepted)
	assert.Equal(t, []secevent.Kind{secevent.UnsignedMessage}, resp.Events)

	assert.Equal(t, 2, env.events.Summary().Total)
}

func TestDataIngest_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := do(env.data, http.MethodPost, "/data/sensors.topic", []byte(`{"temperature": 20}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(env.data, http.MethodPost, "/data/sensors.topic", []byte(`not json`), map[string]string{"X-API-Key": apiKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	encrypted := []byte(`{"is_encrypted": true, "iv": "AAAAAAAAAAAAAAAAAAAAAA==", "encrypted_data": "AAAAAAAAAAAAAAAAAAAAAA==", "timestamp": 1}`)
	rec = do(env.data, http.MethodPost, "/data/sensors.topic", encrypted, map[string]string{"X-API-Key": apiKey})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(env.data, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDataIngest_UnknownExchangeRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	key := map[string]string{"X-API-Key": apiKey}
	unsigned := []byte(`{"temperature": 20, "device_id": "farm_sensor_01"}`)

	// A look-alike of a secure exchange must not become an unchecked side door.
	for _, exchange := range []string{"made.up", "sensors.secure.topic2", "mitm.other"} {
		rec := do(env.data, http.MethodPost, "/data/"+exchange, unsigned, key)
		assert.Equal(t, http.StatusNotFound, rec.Code, exchange)
	}

	rec := do(env.ui, http.MethodGet, "/api/readings", nil, key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]data.Reading](t, rec))
	assert.Empty(t, env.handler.events.Recent(10, ""))
}

func TestStatusEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	key := map[string]string{"X-API-Key": apiKey}

	do(env.data, http.MethodPost, "/data/sensors.secure.topic", env.signedBody(t, 22), key)
	do(env.data, http.MethodPost, "/data/mitm.direct", []byte(`{}`), key)

	rec := do(env.ui, http.MethodGet, "/api/sensor-data", nil, key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "farm_sensor_01", decode[storage.Snapshot](t, rec).DeviceID)

	rec = do(env.ui, http.MethodGet, "/api/readings?limit=5", nil, key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]data.Reading](t, rec), 1)

	rec = do(env.ui, http.MethodGet, "/api/security/events?kind=MITM_ATTACK_DETECTED", nil, key)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]secevent.Event](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, "mitm.direct", events[0].Source)

	rec = do(env.ui, http.MethodGet, "/api/security/events?kind=NOPE", nil, key)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(env.ui, http.MethodGet, "/api/security/events?persisted=true", nil, key)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(env.ui, http.MethodGet, "/api/security/summary", nil, key)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[secevent.Summary](t, rec)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.ByKind[secevent.MITMAttackDetected])

	rec = do(env.ui, http.MethodGet, "/api/devices", nil, key)
	require.Equal(t, http.StatusOK, rec.Code)
	devices := decode[[]deviceStatus](t, rec)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Tracked)
	assert.Equal(t, 1, devices[0].History.MessageCount)
}

func TestLoginAndAdminReset(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := do(env.ui, http.MethodPost, "/api/login", []byte(`{"username": "ops", "password": "wrong"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(env.ui, http.MethodPost, "/api/login", []byte(`{"username": "ops", "password": "s3cret"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode[map[string]string](t, rec)["token"]
	require.NotEmpty(t, token)

	do(env.data, http.MethodPost, "/data/sensors.secure.topic", env.signedBody(t, 22), map[string]string{"X-API-Key": apiKey})
	require.True(t, env.store.Latest().SecurityStatus.IsAuthenticated)

	rec = do(env.ui, http.MethodPost, "/api/admin/reset-security", nil, map[string]string{"X-API-Key": apiKey})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(env.ui, http.MethodPost, "/api/admin/reset-security", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.store.Latest().SecurityStatus.IsAuthenticated)
}

func TestRateLimiter(t *testing.T) {
	env := newTestEnv(t, NewRateLimiter(0.001, 1))
	viewer := map[string]string{"Authorization": "Bearer " + env.token(t, "viewer-1", auth.RoleViewer)}

	assert.Equal(t, http.StatusOK, do(env.ui, http.MethodGet, "/api/sensor-data", nil, viewer).Code)
	rec := do(env.ui, http.MethodGet, "/api/sensor-data", nil, viewer)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := map[string]string{"Authorization": "Bearer " + env.token(t, "viewer-2", auth.RoleViewer)}
	assert.Equal(t, http.StatusOK, do(env.ui, http.MethodGet, "/api/sensor-data", nil, other).Code)

	assert.Nil(t, NewRateLimiter(0, 5))
}

func TestRateLimiter_APIKeysHaveOwnBuckets(t *testing.T) {
	env := newTestEnv(t, NewRateLimiter(0.001, 1))
	first := map[string]string{"X-API-Key": apiKey}
	second := map[string]string{"X-API-Key": otherAPIKey}

	assert.Equal(t, http.StatusOK, do(env.ui, http.MethodGet, "/api/sensor-data", nil, first).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(env.ui, http.MethodGet, "/api/sensor-data", nil, first).Code)

	assert.Equal(t, http.StatusOK, do(env.ui, http.MethodGet, "/api/sensor-data", nil, second).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(env.ui, http.MethodGet, "/api/sensor-data", nil, second).Code)
}

func TestWebSocket_SendsHistoryThenLiveData(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.ui)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + env.token(t, "viewer", auth.RoleViewer)
	conn, _, err := gwebsocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	type frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	read := func() frame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	assert.Equal(t, websocket.TypeHistory, read().Type)

	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	do(env.data, http.MethodPost, "/data/sensors.secure.topic", env.signedBody(t, 23), map[string]string{"X-API-Key": apiKey})

	live := read()
	assert.Equal(t, websocket.TypeData, live.Type)
	assert.Contains(t, string(live.Payload), "farm_sensor_01")
}
