// Package worker runs the job-processing pool: goroutines pulling from the
// forecasting and scheduling queues, invoking the configured Forecaster and
// Scheduler, and retrying or failing jobs according to the failure
// classification.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/gridflex/gridflex/internal/dispatch"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/queue"
	"github.com/gridflex/gridflex/internal/telemetry"
)

// Forecaster computes forecast beliefs for a job's sensor window. The worker
// fills in the source attribution on the returned beliefs.
type Forecaster interface {
	Forecast(ctx context.Context, job model.JobDescriptor) ([]model.Belief, error)
}

// Scheduler computes a planned consumption series for a scheduling job.
type Scheduler interface {
	Schedule(ctx context.Context, job model.JobDescriptor) ([]model.Belief, error)
}

// Store is the belief-store surface the pool needs to persist job output.
type Store interface {
	EnsureSource(ctx context.Context, name, sourceType string) (model.Source, error)
	SaveBeliefs(ctx context.Context, beliefs []model.Belief, overwrite bool) error
	SearchBeliefs(ctx context.Context, f model.BeliefFilter) ([]model.Belief, error)
}

// Queue is the job-queue surface the pool needs.
type Queue interface {
	Pull(ctx context.Context, queueName model.QueueName, timeout time.Duration) (model.JobDescriptor, error)
	Update(ctx context.Context, job model.JobDescriptor) error
	Requeue(ctx context.Context, job model.JobDescriptor) error
}

// Pool pulls and processes jobs until its context is canceled.
type Pool struct {
	queue      Queue
	store      Store
	forecaster Forecaster
	scheduler  Scheduler
	logger     *slog.Logger

	// PullTimeout bounds each blocking pull so cancellation is noticed.
	PullTimeout time.Duration

	processed metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a worker pool. Either collaborator may be nil, which disables
// its queue.
func New(q Queue, store Store, forecaster Forecaster, scheduler Scheduler, logger *slog.Logger) *Pool {
	meter := telemetry.Meter("gridflex/worker")
	processed, _ := meter.Int64Counter("gridflex.worker.jobs_processed",
		metric.WithDescription("Jobs finished successfully"),
	)
	failed, _ := meter.Int64Counter("gridflex.worker.jobs_failed",
		metric.WithDescription("Jobs that failed terminally"),
	)
	return &Pool{
		queue:       q,
		store:       store,
		forecaster:  forecaster,
		scheduler:   scheduler,
		logger:      logger,
		PullTimeout: 5 * time.Second,
		processed:   processed,
		failed:      failed,
	}
}

// Run blocks processing both queues until ctx is canceled. It returns nil on
// cancellation; any other return is a queue transport failure.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if p.forecaster != nil {
		g.Go(func() error { return p.loop(ctx, model.QueueForecasting) })
	}
	if p.scheduler != nil {
		g.Go(func() error { return p.loop(ctx, model.QueueScheduling) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pool) loop(ctx context.Context, queueName model.QueueName) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := p.queue.Pull(ctx, queueName, p.PullTimeout)
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("job pull failed", "queue", queueName, "error", err)
			continue
		}
		p.Process(ctx, job)
	}
}

// Process runs one job through start, execution and the
// finish/retry/fail transition.
func (p *Pool) Process(ctx context.Context, job model.JobDescriptor) {
	job.Status = model.JobStarted
	if err := p.queue.Update(ctx, job); err != nil {
		p.logger.Error("job status update failed", "job_id", job.ID, "error", err)
	}

	beliefs, err := p.execute(ctx, job)
	if err != nil {
		p.handleFailure(ctx, job, err)
		return
	}

	source, err := p.store.EnsureSource(ctx, sourceName(job.Queue), sourceType(job.Queue))
	if err != nil {
		p.handleFailure(ctx, job, err)
		return
	}
	for i := range beliefs {
		beliefs[i].SourceID = source.ID
	}
	// Job output replaces earlier output for the same events: a re-run
	// forecast or re-triggered schedule is a revision, not a duplicate.
	if err := p.store.SaveBeliefs(ctx, beliefs, true); err != nil {
		p.handleFailure(ctx, job, err)
		return
	}

	job.Status = model.JobFinished
	job.SourceID = &source.ID
	job.LastError = ""
	job.ErrorType = ""
	if err := p.queue.Update(ctx, job); err != nil {
		p.logger.Error("job status update failed", "job_id", job.ID, "error", err)
		return
	}
	p.processed.Add(ctx, 1)
	p.logger.Info("job finished", "job_id", job.ID, "queue", job.Queue, "beliefs", len(beliefs))
}

func (p *Pool) execute(ctx context.Context, job model.JobDescriptor) ([]model.Belief, error) {
	switch job.Queue {
	case model.QueueForecasting:
		return p.forecaster.Forecast(ctx, job)
	case model.QueueScheduling:
		return p.scheduler.Schedule(ctx, job)
	default:
		return nil, &dispatch.MissingDataError{What: "queue " + string(job.Queue), SensorID: job.SensorID}
	}
}

func (p *Pool) handleFailure(ctx context.Context, job model.JobDescriptor, cause error) {
	if dispatch.Classify(cause) == dispatch.FailureRetryable && job.Attempt < job.MaxRetries {
		job.Attempt++
		job.Status = model.JobQueued
		job.LastError = cause.Error()
		if err := p.queue.Requeue(ctx, job); err != nil {
			p.logger.Error("job requeue failed", "job_id", job.ID, "error", err)
			return
		}
		p.logger.Warn("job retried", "job_id", job.ID, "attempt", job.Attempt, "error", cause)
		return
	}

	job.Status = model.JobFailed
	job.LastError = cause.Error()
	job.ErrorType = dispatch.ErrorTypeName(cause)
	if err := p.queue.Update(ctx, job); err != nil {
		p.logger.Error("job status update failed", "job_id", job.ID, "error", err)
		return
	}
	p.failed.Add(ctx, 1)
	p.logger.Error("job failed",
		"job_id", job.ID, "queue", job.Queue, "error_type", job.ErrorType, "error", cause)
}

func sourceName(q model.QueueName) string {
	if q == model.QueueScheduling {
		return "gridflex-scheduler"
	}
	return "gridflex-forecaster"
}

func sourceType(q model.QueueName) string {
	if q == model.QueueScheduling {
		return "scheduler"
	}
	return "forecaster"
}
