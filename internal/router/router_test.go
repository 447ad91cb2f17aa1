package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/message-scheduler/internal/channel"
	capabilityhandler "github.com/jwalitptl/message-scheduler/internal/handler/capability"
	"github.com/jwalitptl/message-scheduler/internal/handler/health"
	"github.com/jwalitptl/message-scheduler/internal/handler/prometheus"
	schedulehandler "github.com/jwalitptl/message-scheduler/internal/handler/schedule"
	"github.com/jwalitptl/message-scheduler/internal/middleware"
	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository/memory"
	"github.com/jwalitptl/message-scheduler/internal/service/authz"
	"github.com/jwalitptl/message-scheduler/internal/service/capability"
	"github.com/jwalitptl/message-scheduler/internal/service/dispatch"
	"github.com/jwalitptl/message-scheduler/internal/service/schedule"
	"github.com/jwalitptl/message-scheduler/internal/service/statistics"
	"github.com/jwalitptl/message-scheduler/pkg/auth"
)

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type scheduleJSON struct {
	ID      uuid.UUID     `json:"id"`
	Channel model.Channel `json:"channel"`
	Status  string        `json:"status"`
	CanEdit bool          `json:"can_edit"`
}

type testServer struct {
	engine http.Handler
	tokens auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	schedules := memory.NewScheduleRepository()
	logs := memory.NewExecutionLogRepository()
	registry := channel.NewRegistry()
	registry.Register(model.ChannelChat, channel.AdapterFunc(
		func(ctx context.Context, recipientID string, payload model.Payload) channel.Outcome {
			return channel.Delivered()
		}))

	capabilities := capability.NewService(memory.NewCapabilityRepository(), nil, nil)
	gate := authz.NewGate(capabilities, authz.Config{ElevatedRoles: []string{"admin"}, CacheTTL: time.Minute}, nil, nil)
	capabilities.OnChange(gate.OnPermissionChange)

	coord := dispatch.NewCoordinator(schedules, logs, registry, dispatch.Config{SendTimeout: time.Second}, nil, nil)
	facade := schedule.NewService(schedules, logs, gate, coord, statistics.NewAggregator(schedules, time.UTC), schedule.Config{}, nil)

	tokens := auth.NewJWTService("test-secret", "message-scheduler")
	r := NewRouter(
		middleware.NewAuthMiddleware(tokens),
		health.NewHandler(nil),
		prometheus.New("test", promclient.NewRegistry()),
		nil,
		RouterConfig{CORSConfig: middleware.DefaultCORSConfig(nil)},
		schedulehandler.NewHandler(facade),
		capabilityhandler.NewHandler(capabilities, gate.IsElevated),
	)
	r.Setup()
	return &testServer{engine: r.Engine(), tokens: tokens}
}

func (s *testServer) do(t *testing.T, principal *model.Principal, method, path string, body interface{}) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if principal != nil {
		token, err := s.tokens.GenerateAccessToken(*principal, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w.Code, env
}

var (
	admin    = &model.Principal{ID: "admin-1", Role: "admin"}
	operator = &model.Principal{ID: "op-1", Role: "operator"}
)

func chatSchedule() map[string]interface{} {
	return map[string]interface{}{
		"channel":       "chat",
		"title":         "release notes",
		"payload":       map[string]string{"message": "v2 is out"},
		"recipients":    []string{"u1", "u2"},
		"schedule_mode": "immediate",
	}
}

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, nil, http.MethodGet, "/api/v1/schedules", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "error", env.Status)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, admin, http.MethodPost, "/api/v1/schedules", chatSchedule())
	require.Equal(t, http.StatusCreated, code, env.Message)

	var created scheduleJSON
	require.NoError(t, json.Unmarshal(env.Data, &created))
	path := "/api/v1/schedules/" + created.ID.String()

	code, env = s.do(t, admin, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, code)
	var view scheduleJSON
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "pending", view.Status)
	assert.True(t, view.CanEdit)

	code, env = s.do(t, admin, http.MethodPatch, path, map[string]interface{}{"channel": "email"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "channel cannot be changed", env.Message)

	code, env = s.do(t, admin, http.MethodPost, path+"/execute", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var result dispatch.RunResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, model.ScheduleStatusCompleted, result.Status)
	assert.Equal(t, 2, result.Succeeded)

	code, _ = s.do(t, admin, http.MethodPost, path+"/execute", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, env = s.do(t, admin, http.MethodGet, path+"/logs?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	var entries []model.ExecutionLogEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.NotEmpty(t, entries)

	code, _ = s.do(t, admin, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = s.do(t, admin, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, admin, http.MethodGet, "/api/v1/schedules/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCapabilitiesGateScheduleAccess(t *testing.T) {
	s := newTestServer(t)
	survey := map[string]interface{}{
		"channel":       "survey",
		"title":         "pulse",
		"payload":       map[string]string{"survey_id": "pulse-q1"},
		"recipients":    []string{"u1"},
		"schedule_mode": "immediate",
	}

	code, _ := s.do(t, operator, http.MethodPost, "/api/v1/schedules", survey)
	assert.Equal(t, http.StatusForbidden, code)

	grant := map[string]interface{}{
		"role":         "operator",
		"capabilities": map[string]interface{}{"survey": map[string]bool{"can_view": true, "can_manage": true}},
	}
	code, _ = s.do(t, operator, http.MethodPut, "/api/v1/principals/op-1/capabilities", grant)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, admin, http.MethodPut, "/api/v1/principals/op-1/capabilities", grant)
	require.Equal(t, http.StatusOK, code)

	code, env := s.do(t, operator, http.MethodPost, "/api/v1/schedules", survey)
	require.Equal(t, http.StatusCreated, code, env.Message)

	_, _ = s.do(t, admin, http.MethodPost, "/api/v1/schedules", chatSchedule())

	code, env = s.do(t, operator, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, code)
	var views []scheduleJSON
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, model.ChannelSurvey, views[0].Channel)

	code, _ = s.do(t, operator, http.MethodGet, "/api/v1/schedules?channel=chat", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(t, operator, http.MethodGet, "/api/v1/principals/op-1/capabilities", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"can_manage":true`)

	code, _ = s.do(t, operator, http.MethodPost, "/api/v1/schedules/execute-due", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, nil, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, nil, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, code)

	_, _ = s.do(t, admin, http.MethodGet, "/api/v1/schedules/statistics", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}
