package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/memqueue"
	"github.com/sf7293/task-dispatcher/internal/producer"
	"github.com/sf7293/task-dispatcher/internal/results"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := RegisterValidations(); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

type fakeRevoker struct {
	revoked []string
	err     error
}

func (f *fakeRevoker) Revoke(ctx context.Context, invocationID string) error {
	f.revoked = append(f.revoked, invocationID)
	return f.err
}

type testAPI struct {
	router  *gin.Engine
	broker  *memqueue.Broker
	store   *results.Store
	revoker *fakeRevoker
	probes  *Probes
}

func newTestAPI(t *testing.T, checks ...HealthCheck) *testAPI {
	t.Helper()
	api := &testAPI{
		broker:  memqueue.NewBroker(),
		store:   results.NewStore(),
		revoker: &fakeRevoker{},
		probes:  NewProbes(checks...),
	}
	logic := NewServerLogic(producer.New(api.broker, api.store), api.store, api.revoker)
	api.router = NewRouter(logic, api.probes)

	return api
}

func (api *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)

	return w
}

func (api *testAPI) addTask(t *testing.T, body map[string]any) string {
	t.Helper()
	w := api.do(http.MethodPost, "/tasks", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp domain.RouterResponseAddTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)

	return resp.TaskID
}

func TestAddTask(t *testing.T) {
	api := newTestAPI(t)

	id := api.addTask(t, map[string]any{
		"task_name":         "send_booking_confirmation_email",
		"payload":           map[string]any{"to_email": "guest@example.com", "booking_id": 12},
		"queue":             "emails",
		"priority":          7,
		"max_retries":       2,
		"countdown_seconds": 0,
	})

	assert.Equal(t, 1, api.broker.Len("emails"))
	result, err := api.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, result.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := api.broker.Consume(ctx, []string{"emails"})
	require.NoError(t, err)
	assert.Equal(t, 7, d.Invocation.Priority)
	assert.Equal(t, 2, d.Invocation.MaxRetries)
	assert.JSONEq(t, `{"to_email":"guest@example.com","booking_id":12}`, string(d.Invocation.Payload))
}

func TestAddTask_Countdown(t *testing.T) {
	api := newTestAPI(t)

	id := api.addTask(t, map[string]any{"task_name": "daily_report", "countdown_seconds": 60})

	assert.Equal(t, 1, api.broker.Len("default"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := api.broker.Consume(ctx, []string{"default"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = api.store.Get(context.Background(), id)
	assert.NoError(t, err)
}

func TestAddTask_BadRequests(t *testing.T) {
	api := newTestAPI(t)

	tests := map[string]any{
		"missing task name": map[string]any{"payload": map[string]any{}},
		"priority too high": map[string]any{"task_name": "x", "priority": 256},
		"negative retries":  map[string]any{"task_name": "x", "max_retries": -1},
		"negative delay":    map[string]any{"task_name": "x", "countdown_seconds": -5},
		"not an object":     []int{1, 2},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := api.do(http.MethodPost, "/tasks", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestAddTask_BrokerUnavailable(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.broker.Close())

	w := api.do(http.MethodPost, "/tasks", map[string]any{"task_name": "send_email"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["task_id"])

	result, err := api.store.Get(context.Background(), resp["task_id"])
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, result.Status)
}

func TestGetTask(t *testing.T) {
	api := newTestAPI(t)
	id := api.addTask(t, map[string]any{"task_name": "send_email"})
	ctx := context.Background()
	_, err := api.store.Record(ctx, id, domain.ResultUpdate{Status: domain.Success, Value: json.RawMessage(`"sent"`)})
	require.NoError(t, err)

	w := api.do(http.MethodGet, "/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result domain.TaskResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, id, result.InvocationID)
	assert.Equal(t, domain.Success, result.Status)
	assert.JSONEq(t, `"sent"`, string(result.Value))

	w = api.do(http.MethodGet, "/tasks/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []domain.TaskStatusChange `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.History, 2)

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/tasks/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/tasks/missing/history", nil).Code)
}

func TestRevokeTask(t *testing.T) {
	api := newTestAPI(t)
	id := api.addTask(t, map[string]any{"task_name": "send_email"})

	w := api.do(http.MethodPost, "/tasks/"+id+"/revoke", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{id}, api.revoker.revoked)

	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/tasks/missing/revoke", nil).Code)

	_, err := api.store.Record(context.Background(), id, domain.ResultUpdate{Status: domain.Failure})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, api.do(http.MethodPost, "/tasks/"+id+"/revoke", nil).Code)

	other := api.addTask(t, map[string]any{"task_name": "send_email"})
	api.revoker.err = errors.New("redis is down")
	assert.Equal(t, http.StatusInternalServerError, api.do(http.MethodPost, "/tasks/"+other+"/revoke", nil).Code)
}

func TestProbes(t *testing.T) {
	healthy := true
	api := newTestAPI(t, HealthCheck{Name: "broker", Check: func(ctx context.Context) error {
		if !healthy {
			return errors.New("down")
		}
		return nil
	}})

	assert.Equal(t, http.StatusServiceUnavailable, api.do(http.MethodGet, "/readiness", nil).Code)
	api.probes.SetReady()
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/readiness", nil).Code)

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/liveness", nil).Code)
	healthy = false
	w := api.do(http.MethodGet, "/liveness", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "broker")
}

func TestNewHealthRouter(t *testing.T) {
	probes := NewProbes()
	probes.SetReady()
	r := NewHealthRouter(probes)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/liveness", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
