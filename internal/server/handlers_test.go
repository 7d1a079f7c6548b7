package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflex/gridflex/internal/address"
	"github.com/gridflex/gridflex/internal/auth"
	"github.com/gridflex/gridflex/internal/dispatch"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/queue"
	"github.com/gridflex/gridflex/internal/server"
	"github.com/gridflex/gridflex/internal/service/ingest"
	"github.com/gridflex/gridflex/internal/storage"
)

type fakeStore struct {
	sensors      map[int]model.Sensor
	assets       map[int]model.Asset
	saved        []model.Belief
	saveErr      error
	searchResult []model.Belief
	advanceErr   error
}

func (f *fakeStore) GetSensor(_ context.Context, id int) (model.Sensor, error) {
	s, ok := f.sensors[id]
	if !ok {
		return model.Sensor{}, fmt.Errorf("sensor %d: %w", id, storage.ErrNotFound)
	}
	return s, nil
}

func (f *fakeStore) GetSensors(ctx context.Context, ids []int) ([]model.Sensor, error) {
	out := make([]model.Sensor, 0, len(ids))
	for _, id := range ids {
		s, err := f.GetSensor(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) GetAsset(_ context.Context, id int) (model.Asset, error) {
	a, ok := f.assets[id]
	if !ok {
		return model.Asset{}, fmt.Errorf("asset %d: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (f *fakeStore) SaveBeliefs(_ context.Context, beliefs []model.Belief, _ bool) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, beliefs...)
	return nil
}

func (f *fakeStore) SearchBeliefs(_ context.Context, _ model.BeliefFilter) ([]model.Belief, error) {
	return f.searchResult, nil
}

func (f *fakeStore) AdvanceUDIEvent(_ context.Context, _ int, _ int64, _ bool) error {
	return f.advanceErr
}

type fakeJobs struct {
	jobs map[string]model.JobDescriptor
}

func (f *fakeJobs) Enqueue(_ context.Context, job model.JobDescriptor) error {
	if f.jobs == nil {
		f.jobs = map[string]model.JobDescriptor{}
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobs) Fetch(_ context.Context, id string) (model.JobDescriptor, error) {
	job, ok := f.jobs[id]
	if !ok {
		return model.JobDescriptor{}, queue.ErrJobNotFound
	}
	return job, nil
}

type fakeCache struct {
	jobs  *fakeJobs
	index map[string][]string
}

func cacheKey(q model.QueueName, kind model.EntityKind, entityID int) string {
	return fmt.Sprintf("%s:%s:%d", q, kind, entityID)
}

func (f *fakeCache) Add(_ context.Context, q model.QueueName, kind model.EntityKind, entityID int, jobID string) error {
	if f.index == nil {
		f.index = map[string][]string{}
	}
	key := cacheKey(q, kind, entityID)
	f.index[key] = append(f.index[key], jobID)
	return nil
}

func (f *fakeCache) Get(ctx context.Context, q model.QueueName, kind model.EntityKind, entityID int) ([]model.JobDescriptor, error) {
	var out []model.JobDescriptor
	for _, id := range f.index[cacheKey(q, kind, entityID)] {
		if job, err := f.jobs.Fetch(ctx, id); err == nil {
			out = append(out, job)
		}
	}
	return out, nil
}

type fakeAccounts struct {
	accounts map[string]model.Account
	pingErr  error
}

func (f *fakeAccounts) GetAccountByEmail(_ context.Context, email string) (model.Account, error) {
	a, ok := f.accounts[email]
	if !ok {
		return model.Account{}, fmt.Errorf("account %q: %w", email, storage.ErrNotFound)
	}
	return a, nil
}

func (f *fakeAccounts) EnsureSource(_ context.Context, name, sourceType string) (model.Source, error) {
	return model.Source{
		ID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		Name: name,
		Type: sourceType,
	}, nil
}

func (f *fakeAccounts) Ping(context.Context) error { return f.pingErr }

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type testEnv struct {
	store    *fakeStore
	jobs     *fakeJobs
	cache    *fakeCache
	accounts *fakeAccounts
	redis    *fakePinger
	jwtMgr   *auth.JWTManager
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	hash, err := auth.HashAPIKey("test-api-key")
	require.NoError(t, err)

	ownerID := 7
	env := &testEnv{
		store: &fakeStore{
			sensors: map[int]model.Sensor{
				1: {ID: 1, AssetID: 1, Name: "power", Unit: "MW", EventResolution: 15 * time.Minute},
			},
			assets: map[int]model.Asset{
				1: {ID: 1, OwnerID: &ownerID, Name: "battery"},
			},
		},
		jobs: &fakeJobs{},
		accounts: &fakeAccounts{accounts: map[string]model.Account{
			"prosumer@flexmeasures.io": {
				ID:         7,
				Email:      "prosumer@flexmeasures.io",
				Role:       model.RoleProsumer,
				APIKeyHash: hash,
			},
		}},
		redis: &fakePinger{},
	}

	env.cache = &fakeCache{jobs: env.jobs}

	env.jwtMgr, err = auth.NewJWTManager("test-secret-0123456789", time.Hour)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	svc := ingest.New(env.store, env.jobs, env.cache,
		address.Builder{HostAuthStart: map[string]string{"flexmeasures.io": "2021-01"}},
		"flexmeasures.io",
		dispatch.Config{Mode: model.ModeNormal, MaxRetries: 3},
		logger,
	)

	srv := server.New(server.ServerConfig{
		Ingest:              svc,
		Accounts:            env.accounts,
		Queue:               env.redis,
		JWTMgr:              env.jwtMgr,
		Logger:              logger,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	token, _, err := e.jwtMgr.IssueToken(7, "prosumer@flexmeasures.io", model.RoleProsumer)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestAuthTokenFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/auth/token", "", map[string]string{
		"email":   "prosumer@flexmeasures.io",
		"api_key": "test-api-key",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	decodeData(t, rec, &resp)
	require.NotEmpty(t, resp.Token)

	// The issued token opens protected routes.
	rec = env.do(t, http.MethodGet,
		"/api/v3_0/sensors/data?entity_address=ea1.2021-01.io.flexmeasures:fm1.1&start=2021-01-21T12:00:00Z&duration=PT45M",
		resp.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthTokenWrongKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/auth/token", "", map[string]string{
		"email":   "prosumer@flexmeasures.io",
		"api_key": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, rec))
}

func TestAuthTokenUnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/auth/token", "", map[string]string{
		"email":   "nobody@flexmeasures.io",
		"api_key": "test-api-key",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/data", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, rec))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v3_0/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}
	decodeData(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Postgres)
	assert.Equal(t, "connected", resp.Redis)
}

func TestHealthDegraded(t *testing.T) {
	env := newTestEnv(t)
	env.redis.err = errors.New("connection refused")

	rec := env.do(t, http.MethodGet, "/api/v3_0/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Status string `json:"status"`
		Redis  string `json:"redis"`
	}
	decodeData(t, rec, &resp)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "disconnected", resp.Redis)
}

func TestPostSensorData(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/data", env.token(t), map[string]any{
		"addresses": []string{"ea1.2021-01.io.flexmeasures:fm1.1"},
		"values":    [][]float64{{1, 2, 3}},
		"start":     "2021-01-21T12:00:00Z",
		"duration":  "PT45M",
		"unit":      "MW",
		"prior":     "2021-01-21T12:45:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		SensorIDs []int `json:"sensor_ids"`
		Saved     int   `json:"saved"`
	}
	decodeData(t, rec, &resp)
	assert.Equal(t, []int{1}, resp.SensorIDs)
	assert.Equal(t, 3, resp.Saved)
	assert.Len(t, env.store.saved, 3)
}

func TestPostSensorDataAlreadyReceived(t *testing.T) {
	env := newTestEnv(t)
	env.store.saveErr = fmt.Errorf("save beliefs: %w", storage.ErrIntegrityConflict)

	// Reposting values that are already stored is acknowledged, not rejected.
	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/data", env.token(t), map[string]any{
		"addresses": []string{"ea1.2021-01.io.flexmeasures:fm1.1"},
		"values":    [][]float64{{1, 2, 3}},
		"start":     "2021-01-21T12:00:00Z",
		"duration":  "PT45M",
		"unit":      "MW",
		"prior":     "2021-01-21T12:45:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Status string `json:"status"`
	}
	decodeData(t, rec, &resp)
	assert.Equal(t, model.ErrCodeAlreadyReceived, resp.Status)
}

func TestPostSensorDataWrongUnit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/data", env.token(t), map[string]any{
		"addresses": []string{"ea1.2021-01.io.flexmeasures:fm1.1"},
		"values":    [][]float64{{1}},
		"start":     "2021-01-21T12:00:00Z",
		"duration":  "PT15M",
		"unit":      "MWh",
		"prior":     "2021-01-21T12:15:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidUnit, errorCode(t, rec))
	assert.Empty(t, env.store.saved)
}

func TestPostSensorDataRollingHorizon(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/data", env.token(t), map[string]any{
		"addresses": []string{"ea1.2021-01.io.flexmeasures:fm1.1"},
		"values":    [][]float64{{1, 2}},
		"start":     "2021-01-21T12:00:00Z",
		"duration":  "PT30M",
		"unit":      "MW",
		"horizon":   "R/PT6H",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, env.store.saved, 2)
	// Forecasts dispatch no follow-up forecasting job.
	assert.Empty(t, env.jobs.jobs)
}

func TestPostSensorDataBadAddress(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/data", env.token(t), map[string]any{
		"addresses": []string{"ea2.2021-01.io.flexmeasures:fm1.1"},
		"values":    [][]float64{{1}},
		"start":     "2021-01-21T12:00:00Z",
		"duration":  "PT15M",
		"prior":     "2021-01-21T13:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidDomain, errorCode(t, rec))
}

func TestPostSensorDataMissingTiming(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/data", env.token(t), map[string]any{
		"addresses": []string{"ea1.2021-01.io.flexmeasures:fm1.1"},
		"values":    [][]float64{{1}},
		"start":     "2021-01-21T12:00:00Z",
		"duration":  "PT15M",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidHorizon, errorCode(t, rec))
}

func TestPostSensorDataUnapplicableResolution(t *testing.T) {
	env := newTestEnv(t)

	// Two values cannot cover three 15-minute events.
	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/data", env.token(t), map[string]any{
		"addresses": []string{"ea1.2021-01.io.flexmeasures:fm1.1"},
		"values":    [][]float64{{1, 2}},
		"start":     "2021-01-21T12:00:00Z",
		"duration":  "PT45M",
		"prior":     "2021-01-21T13:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeUnapplicableResolution, errorCode(t, rec))
}

func TestGetSensorData(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2021, 1, 21, 12, 0, 0, 0, time.UTC)
	env.store.searchResult = []model.Belief{
		{SensorID: 1, EventStart: start, EventValue: 1.5},
		{SensorID: 1, EventStart: start.Add(15 * time.Minute), EventValue: 2.5},
	}

	rec := env.do(t, http.MethodGet,
		"/api/v3_0/sensors/data?entity_address=ea1.2021-01.io.flexmeasures:fm1.1&start=2021-01-21T12:00:00Z&duration=PT30M",
		env.token(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		SensorID   int       `json:"sensor_id"`
		Unit       string    `json:"unit"`
		Resolution string    `json:"resolution"`
		Values     []float64 `json:"values"`
	}
	decodeData(t, rec, &resp)
	assert.Equal(t, 1, resp.SensorID)
	assert.Equal(t, "MW", resp.Unit)
	assert.Equal(t, "PT15M", resp.Resolution)
	assert.Equal(t, []float64{1.5, 2.5}, resp.Values)
}

func TestGetSensorDataUnknownSensor(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet,
		"/api/v3_0/sensors/data?entity_address=ea1.2021-01.io.flexmeasures:fm1.99&start=2021-01-21T12:00:00Z&duration=PT30M",
		env.token(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, rec))
}

func TestTriggerAndGetSchedule(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/1/schedules/trigger", env.token(t), map[string]any{
		"udi_event_id": 203,
		"start":        "2021-01-21T12:00:00Z",
		"duration":     "PT3H",
		"soc_at_start": 10.0,
		"soc_targets": []map[string]any{
			{"value": 13.0, "datetime": "2021-01-21T15:00:00Z"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var trig struct {
		JobID string `json:"job_id"`
	}
	decodeData(t, rec, &trig)
	assert.Equal(t, "ea1.2021-01.io.flexmeasures:7:1:203:soc", trig.JobID)

	rec = env.do(t, http.MethodGet, "/api/v3_0/sensors/1/schedules/"+trig.JobID, env.token(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sched struct {
		Status string `json:"status"`
	}
	decodeData(t, rec, &sched)
	assert.Equal(t, string(model.JobQueued), sched.Status)
}

func TestListSchedules(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/1/schedules/trigger", env.token(t), map[string]any{
		"udi_event_id": 203,
		"start":        "2021-01-21T12:00:00Z",
		"duration":     "PT3H",
		"soc_at_start": 10.0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v3_0/sensors/1/schedules", env.token(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Schedules []struct {
			JobID  string `json:"job_id"`
			Status string `json:"status"`
		} `json:"schedules"`
	}
	decodeData(t, rec, &resp)
	require.Len(t, resp.Schedules, 1)
	assert.Equal(t, "ea1.2021-01.io.flexmeasures:7:1:203:soc", resp.Schedules[0].JobID)
	assert.Equal(t, string(model.JobQueued), resp.Schedules[0].Status)

	rec = env.do(t, http.MethodGet, "/api/v3_0/sensors/99/schedules", env.token(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerScheduleOutdatedEvent(t *testing.T) {
	env := newTestEnv(t)
	env.store.advanceErr = storage.ErrOutdatedEvent

	rec := env.do(t, http.MethodPost, "/api/v3_0/sensors/1/schedules/trigger", env.token(t), map[string]any{
		"udi_event_id": 202,
		"start":        "2021-01-21T12:00:00Z",
		"duration":     "PT3H",
		"soc_at_start": 10.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeOutdatedEvent, errorCode(t, rec))
}

func TestGetScheduleUnknown(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v3_0/sensors/1/schedules/no-such-job", env.token(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeUnknownSchedule, errorCode(t, rec))
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v3_0/sensors/data", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+env.token(t))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidRequest, errorCode(t, rec))
}
