// Package ingest provides the shared business logic for posting and reading
// sensor data and for triggering and retrieving schedules.
//
// Posting runs an explicit pipeline: resolve entity addresses, resolve belief
// timing, reconcile resolutions, persist beliefs, dispatch follow-up jobs.
// Each stage fails fast with a typed error the HTTP layer maps to a stable
// status code.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/gridflex/gridflex/internal/address"
	"github.com/gridflex/gridflex/internal/dispatch"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/telemetry"
)

// ErrUnknownSchedule is returned when a schedule job id does not resolve, or
// resolves to a job for a different sensor.
var ErrUnknownSchedule = errors.New("ingest: unknown schedule")

// Store is the belief-store surface the service needs.
type Store interface {
	GetSensor(ctx context.Context, id int) (model.Sensor, error)
	GetSensors(ctx context.Context, ids []int) ([]model.Sensor, error)
	GetAsset(ctx context.Context, id int) (model.Asset, error)
	SaveBeliefs(ctx context.Context, beliefs []model.Belief, overwrite bool) error
	SearchBeliefs(ctx context.Context, f model.BeliefFilter) ([]model.Belief, error)
	AdvanceUDIEvent(ctx context.Context, assetID int, eventID int64, force bool) error
}

// Jobs is the queue surface the service needs.
type Jobs interface {
	Enqueue(ctx context.Context, job model.JobDescriptor) error
	Fetch(ctx context.Context, id string) (model.JobDescriptor, error)
}

// Cache is the per-entity job index.
type Cache interface {
	Add(ctx context.Context, queue model.QueueName, kind model.EntityKind, entityID int, jobID string) error
	Get(ctx context.Context, queue model.QueueName, kind model.EntityKind, entityID int) ([]model.JobDescriptor, error)
}

// Service encapsulates data ingestion and schedule logic shared by handlers.
type Service struct {
	store   Store
	jobs    Jobs
	cache   Cache
	builder address.Builder
	host    string
	cfg     dispatch.Config
	logger  *slog.Logger

	valuesIngested metric.Int64Counter
	jobsDispatched metric.Int64Counter
}

// New creates an ingest Service. cache may be nil, in which case dispatched
// jobs are not indexed per entity.
func New(store Store, jobs Jobs, cache Cache, builder address.Builder, host string, cfg dispatch.Config, logger *slog.Logger) *Service {
	meter := telemetry.Meter("gridflex/ingest")
	ingested, _ := meter.Int64Counter("gridflex.ingest.values",
		metric.WithDescription("Belief values persisted"),
	)
	dispatched, _ := meter.Int64Counter("gridflex.ingest.jobs",
		metric.WithDescription("Jobs dispatched after ingestion"),
	)
	return &Service{
		store:          store,
		jobs:           jobs,
		cache:          cache,
		builder:        builder,
		host:           host,
		cfg:            cfg,
		logger:         logger,
		valuesIngested: ingested,
		jobsDispatched: dispatched,
	}
}

// resolveSensorAddress resolves an entity address to a stored sensor id.
// Both the fm1 sensor form and the legacy fm0 connection form are accepted.
func resolveSensorAddress(addr string) (int, error) {
	if parsed, err := address.Parse(addr, address.EntitySensor); err == nil {
		return parsed.Local.(address.Sensor).ID, nil
	}
	parsed, err := address.Parse(addr, address.EntityConnection)
	if err != nil {
		return 0, err
	}
	return parsed.Local.(address.Connection).AssetID, nil
}

// maxHorizon returns the largest belief horizon of a resolved series, the
// value that decides whether the posted data is ex-post.
func maxHorizon(horizons []time.Duration) time.Duration {
	var max time.Duration
	for i, h := range horizons {
		if i == 0 || h > max {
			max = h
		}
	}
	return max
}

func (s *Service) indexJob(ctx context.Context, job model.JobDescriptor, kind model.EntityKind, entityID int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Add(ctx, job.Queue, kind, entityID, job.ID); err != nil {
		// The cache is advisory; the job itself is already enqueued.
		s.logger.Warn("job cache update failed", "job_id", job.ID, "error", err)
	}
}
