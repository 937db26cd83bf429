package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TokeNoMax/agardotfun-sub001/internal/config"
	"github.com/TokeNoMax/agardotfun-sub001/internal/kinematics"
	"github.com/TokeNoMax/agardotfun-sub001/internal/protocol"
	"github.com/TokeNoMax/agardotfun-sub001/internal/storage"
	"github.com/TokeNoMax/agardotfun-sub001/internal/validator"
	"github.com/TokeNoMax/agardotfun-sub001/internal/vec"
)

// Сервер общий на все тесты: Prometheus middleware регистрирует метрики
// в глобальном регистре, повторная регистрация паникует
var (
	testOnce   sync.Once
	testServer *RestServer
	testGate   *validator.Validator
	testRepo   *storage.MemoryPositionRepo
)

func newTestServer(t *testing.T) (*RestServer, *validator.Validator, *storage.MemoryPositionRepo) {
	t.Helper()
	testOnce.Do(func() {
		cfg := config.Default()
		model := kinematics.NewModel(cfg.Kinematics)
		bounds := kinematics.Bounds{Width: cfg.World.Width, Height: cfg.World.Height}
		testGate = validator.New(cfg.Validator, model, bounds)
		testRepo = storage.NewMemoryPositionRepo()

		testServer = NewRestServer(Config{
			Validator: testGate,
			Repo:      testRepo,
		})
	})
	return testServer, testGate, testRepo
}

func doRequest(server *RestServer, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, req)
	return rec
}

func TestRestServer_Health(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["uptime"])
}

func TestRestServer_Status(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "tracked_entities")
}

func TestRestServer_EntityRisk(t *testing.T) {
	server, gate, _ := newTestServer(t)

	// Нарушение скорости поднимает риск сущности
	now := time.Now()
	gate.ValidateMovementAt(protocol.SnapshotMessage{
		EntityID: "mallory", X: 100, Y: 100, Size: 20,
		Timestamp: now.UnixMilli(), Alive: true,
	}, now)
	gate.ValidateMovementAt(protocol.SnapshotMessage{
		EntityID: "mallory", X: 1900, Y: 1900, Size: 20,
		Timestamp: now.Add(10 * time.Millisecond).UnixMilli(), Alive: true,
	}, now.Add(10*time.Millisecond))

	rec := doRequest(server, http.MethodGet, "/api/risk/mallory")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "mallory", body["entity_id"])
	assert.NotEqual(t, "none", body["risk"])

	violations, ok := body["violations"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, violations)

	overview := doRequest(server, http.MethodGet, "/api/risk")
	require.Equal(t, http.StatusOK, overview.Code)
	assert.Contains(t, overview.Body.String(), "mallory")
}

func TestRestServer_Position(t *testing.T) {
	server, _, repo := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/api/rooms/room-1/positions/alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, repo.SavePosition(context.Background(), "room-1", "alice", vec.Vec2{X: 42, Y: 84}, 25))

	rec = doRequest(server, http.MethodGet, "/api/rooms/room-1/positions/alice")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 42.0, body["x"])
	assert.Equal(t, 25.0, body["size"])
}

func TestRestServer_Metrics(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doRequest(server, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}
