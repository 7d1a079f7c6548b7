package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gridflex/gridflex/internal/auth"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/service/ingest"
	"github.com/gridflex/gridflex/internal/storage"
	"github.com/gridflex/gridflex/internal/timing"
)

// Accounts is the account/source surface the handlers need.
type Accounts interface {
	GetAccountByEmail(ctx context.Context, email string) (model.Account, error)
	EnsureSource(ctx context.Context, name, sourceType string) (model.Source, error)
	Ping(ctx context.Context) error
}

// Pinger reports queue connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc       *ingest.Service
	accounts  Accounts
	queue     Pinger
	jwtMgr    *auth.JWTManager
	logger    *slog.Logger
	startedAt time.Time
	version   string
	maxBody   int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Ingest              *ingest.Service
	Accounts            Accounts
	Queue               Pinger
	JWTMgr              *auth.JWTManager
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:       d.Ingest,
		accounts:  d.Accounts,
		queue:     d.Queue,
		jwtMgr:    d.JWTMgr,
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
		maxBody:   d.MaxRequestBodyBytes,
	}
}

// AuthTokenRequest is the POST /auth/token body.
type AuthTokenRequest struct {
	Email  string `json:"email"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries an issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleAuthToken handles POST /api/v3_0/auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Email == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "email and api_key are required")
		return
	}

	account, err := h.accounts.GetAccountByEmail(r.Context(), req.Email)
	if err != nil {
		// Equalize timing with the verification the happy path does.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	ok, err := auth.VerifyAPIKey(req.APIKey, account.APIKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(account.ID, account.Email, account.Role)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	Redis         string `json:"redis"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /api/v3_0/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Postgres:      "connected",
		Redis:         "connected",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK
	if err := h.accounts.Ping(r.Context()); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if err := h.queue.Ping(r.Context()); err != nil {
		resp.Redis = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, r, httpStatus, resp)
}

// PostDataRequest is the POST /sensors/data body. Durations are ISO 8601.
type PostDataRequest struct {
	Addresses []string    `json:"addresses"`
	Values    [][]float64 `json:"values"`
	Start     time.Time   `json:"start"`
	Duration  string      `json:"duration"`
	Unit      string      `json:"unit"`
	Horizon   string      `json:"horizon,omitempty"`
	Prior     *time.Time  `json:"prior,omitempty"`
}

// PostDataResponse reports what was saved.
type PostDataResponse struct {
	SensorIDs []int    `json:"sensor_ids"`
	Saved     int      `json:"saved"`
	JobIDs    []string `json:"job_ids,omitempty"`
}

// HandlePostSensorData handles POST /api/v3_0/sensors/data.
func (h *Handlers) HandlePostSensorData(w http.ResponseWriter, r *http.Request) {
	var req PostDataRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Addresses) == 0 || len(req.Values) != len(req.Addresses) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest,
			"need one value group per entity address")
		return
	}
	if req.Start.IsZero() || req.Duration == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "start and duration are required")
		return
	}

	dur, err := timing.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "cannot parse duration: "+err.Error())
		return
	}

	in := ingest.PostDataInput{
		Addresses: req.Addresses,
		Values:    req.Values,
		Start:     req.Start.UTC(),
		Duration:  dur,
		Unit:      req.Unit,
		Prior:     req.Prior,
	}
	if req.Horizon != "" {
		horizon, rolling, err := timing.ParseHorizon(req.Horizon)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidHorizon, err.Error())
			return
		}
		in.Horizon = &horizon
		in.Rolling = rolling
	}

	source, err := h.requestSource(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	in.SourceID = source

	res, err := h.svc.PostSensorData(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, PostDataResponse{
		SensorIDs: res.SensorIDs,
		Saved:     res.Saved,
		JobIDs:    res.JobIDs,
	})
}

// GetDataResponse is a read-back series.
type GetDataResponse struct {
	SensorID   int       `json:"sensor_id"`
	Unit       string    `json:"unit"`
	Resolution string    `json:"resolution"`
	Start      time.Time `json:"start"`
	Duration   string    `json:"duration"`
	Values     []float64 `json:"values"`
}

// HandleGetSensorData handles GET /api/v3_0/sensors/data.
func (h *Handlers) HandleGetSensorData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	addr := q.Get("entity_address")
	if addr == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "entity_address is required")
		return
	}
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "cannot parse start")
		return
	}
	dur, err := timing.ParseDuration(q.Get("duration"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "cannot parse duration")
		return
	}

	in := ingest.GetDataInput{
		Address: addr,
		Start:   start.UTC(),
		End:     start.UTC().Add(dur),
	}
	if v := q.Get("resolution"); v != "" {
		res, err := timing.ParseDuration(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "cannot parse resolution")
			return
		}
		in.Resolution = res
	}
	if v := q.Get("horizon"); v != "" {
		horizon, _, err := timing.ParseHorizon(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidHorizon, err.Error())
			return
		}
		in.HorizonAtLeast = &horizon
	}
	if v := q.Get("source"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "cannot parse source")
			return
		}
		in.SourceIDs = []uuid.UUID{id}
	}

	res, err := h.svc.GetSensorData(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	values := make([]float64, len(res.Beliefs))
	for i, b := range res.Beliefs {
		values[i] = b.EventValue
	}
	writeJSON(w, r, http.StatusOK, GetDataResponse{
		SensorID:   res.SensorID,
		Unit:       res.Unit,
		Resolution: timing.FormatDuration(res.Resolution),
		Start:      start.UTC(),
		Duration:   timing.FormatDuration(dur),
		Values:     values,
	})
}

// TriggerScheduleRequest is the POST /sensors/{id}/schedules/trigger body.
type TriggerScheduleRequest struct {
	UDIEventID int64             `json:"udi_event_id"`
	EventType  string            `json:"event_type,omitempty"`
	Start      time.Time         `json:"start"`
	Duration   string            `json:"duration"`
	SOCAtStart float64           `json:"soc_at_start"`
	SOCTargets []model.SOCTarget `json:"soc_targets,omitempty"`
}

// TriggerScheduleResponse carries the id to poll the schedule under.
type TriggerScheduleResponse struct {
	JobID string `json:"job_id"`
}

// HandleTriggerSchedule handles POST /api/v3_0/sensors/{id}/schedules/trigger.
func (h *Handlers) HandleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	sensorID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid sensor id")
		return
	}
	var req TriggerScheduleRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Start.IsZero() || req.Duration == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "start and duration are required")
		return
	}
	dur, err := timing.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "cannot parse duration: "+err.Error())
		return
	}

	jobID, err := h.svc.TriggerSchedule(r.Context(), ingest.TriggerInput{
		SensorID:   sensorID,
		UDIEventID: req.UDIEventID,
		EventType:  req.EventType,
		Start:      req.Start.UTC(),
		End:        req.Start.UTC().Add(dur),
		SOCAtStart: req.SOCAtStart,
		SOCTargets: req.SOCTargets,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, TriggerScheduleResponse{JobID: jobID})
}

// ListSchedulesResponse enumerates the scheduling jobs known for a sensor.
type ListSchedulesResponse struct {
	Schedules []ScheduleListing `json:"schedules"`
}

// ScheduleListing is one scheduling job and its current status.
type ScheduleListing struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// HandleListSchedules handles GET /api/v3_0/sensors/{id}/schedules.
func (h *Handlers) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	sensorID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid sensor id")
		return
	}

	listings, err := h.svc.ListSchedules(r.Context(), sensorID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleListing, 0, len(listings))}
	for _, l := range listings {
		resp.Schedules = append(resp.Schedules, ScheduleListing{JobID: l.JobID, Status: string(l.Status)})
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// GetScheduleResponse is a schedule retrieval.
type GetScheduleResponse struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Unit       string    `json:"unit,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	Values     []float64 `json:"values,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// HandleGetSchedule handles GET /api/v3_0/sensors/{id}/schedules/{job_id}.
func (h *Handlers) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sensorID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid sensor id")
		return
	}

	res, err := h.svc.GetSchedule(r.Context(), sensorID, r.PathValue("job_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := GetScheduleResponse{
		JobID:     res.JobID,
		Status:    string(res.Status),
		Unit:      res.Unit,
		ErrorType: res.ErrorType,
		Message:   res.LastError,
	}
	if res.Resolution > 0 {
		resp.Resolution = timing.FormatDuration(res.Resolution)
	}
	if len(res.Beliefs) > 0 {
		resp.Values = make([]float64, len(res.Beliefs))
		for i, b := range res.Beliefs {
			resp.Values[i] = b.EventValue
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// requestSource resolves the authenticated account to its data source id,
// creating the source on first use.
func (h *Handlers) requestSource(r *http.Request) (uuid.UUID, error) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return uuid.Nil, errors.New("server: no claims in context")
	}
	source, err := h.accounts.EnsureSource(r.Context(), claims.Email, "user")
	if err != nil {
		return uuid.Nil, err
	}
	return source.ID, nil
}

var _ Accounts = (*storage.DB)(nil)
