package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridflex/gridflex/internal/address"
	"github.com/gridflex/gridflex/internal/dispatch"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/queue"
)

// TriggerInput is a posted UDI event: the device state and targets a
// scheduler should plan against.
type TriggerInput struct {
	SensorID   int
	UDIEventID int64
	EventType  string // e.g. "soc", "soc-with-targets"

	Start      time.Time
	End        time.Time
	SOCAtStart float64
	SOCTargets []model.SOCTarget
}

// TriggerSchedule records a UDI event and enqueues a scheduling job for it.
// The job id is the event's entity address, so re-triggering the same event
// replaces outstanding work for the device. Event ids must strictly increase
// per asset outside play mode.
func (s *Service) TriggerSchedule(ctx context.Context, in TriggerInput) (string, error) {
	if in.EventType == "" {
		in.EventType = "soc"
	}

	sensor, err := s.store.GetSensor(ctx, in.SensorID)
	if err != nil {
		return "", err
	}
	asset, err := s.store.GetAsset(ctx, sensor.AssetID)
	if err != nil {
		return "", err
	}

	force := s.cfg.Mode == model.ModePlay
	if err := s.store.AdvanceUDIEvent(ctx, asset.ID, in.UDIEventID, force); err != nil {
		return "", err
	}

	addr, err := s.builder.Build(address.Event{
		OwnerID:   asset.OwnerID,
		AssetID:   asset.ID,
		EventID:   int(in.UDIEventID),
		EventType: in.EventType,
	}, s.host, "")
	if err != nil {
		return "", fmt.Errorf("ingest: build event address: %w", err)
	}

	job := dispatch.SchedulingJob(s.cfg, addr, sensor.ID, in.Start, in.End,
		sensor.EventResolution, in.SOCAtStart, in.SOCTargets, in.UDIEventID)
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("ingest: enqueue scheduling job: %w", err)
	}
	s.jobsDispatched.Add(ctx, 1)
	s.indexJob(ctx, job, model.EntityAssetKind, asset.ID)

	s.logger.Info("scheduling job triggered",
		"sensor_id", sensor.ID, "asset_id", asset.ID, "udi_event_id", in.UDIEventID, "job_id", job.ID)
	return job.ID, nil
}

// ScheduleListing is one scheduling job known for a sensor.
type ScheduleListing struct {
	JobID  string
	Status model.JobStatus
}

// ListSchedules returns the scheduling jobs known for a sensor, resolved
// through the per-entity job index. Jobs whose queue records have expired
// are absent. Without an index every listing is empty.
func (s *Service) ListSchedules(ctx context.Context, sensorID int) ([]ScheduleListing, error) {
	sensor, err := s.store.GetSensor(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	if s.cache == nil {
		return nil, nil
	}

	jobs, err := s.cache.Get(ctx, model.QueueScheduling, model.EntityAssetKind, sensor.AssetID)
	if err != nil {
		return nil, fmt.Errorf("ingest: list schedules for sensor %d: %w", sensorID, err)
	}

	listings := make([]ScheduleListing, 0, len(jobs))
	for _, job := range jobs {
		// The index is per asset and covers all of its sensors.
		if job.SensorID != sensorID {
			continue
		}
		listings = append(listings, ScheduleListing{JobID: job.ID, Status: job.Status})
	}
	return listings, nil
}

// ScheduleResult is a schedule retrieval: the job state plus, once finished,
// the planned value series.
type ScheduleResult struct {
	JobID      string
	Status     model.JobStatus
	Resolution time.Duration
	Unit       string
	Beliefs    []model.Belief

	// Failure details, set for failed jobs.
	LastError string
	ErrorType string
}

// GetSchedule resolves a schedule job id for a sensor. While the job is
// pending the result carries only its status; once finished it carries the
// planned series saved by the scheduler.
func (s *Service) GetSchedule(ctx context.Context, sensorID int, jobID string) (ScheduleResult, error) {
	job, err := s.jobs.Fetch(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return ScheduleResult{}, fmt.Errorf("%w: %s", ErrUnknownSchedule, jobID)
	}
	if err != nil {
		return ScheduleResult{}, err
	}
	// A job id is only a schedule of this sensor if the queue and sensor
	// match; anything else leaks other clients' job state.
	if job.Queue != model.QueueScheduling || job.SensorID != sensorID {
		return ScheduleResult{}, fmt.Errorf("%w: %s", ErrUnknownSchedule, jobID)
	}

	result := ScheduleResult{
		JobID:      job.ID,
		Status:     job.Status,
		Resolution: job.Resolution,
		LastError:  job.LastError,
		ErrorType:  job.ErrorType,
	}
	if job.Status != model.JobFinished {
		return result, nil
	}

	sensor, err := s.store.GetSensor(ctx, sensorID)
	if err != nil {
		return ScheduleResult{}, err
	}
	result.Unit = sensor.Unit

	filter := model.BeliefFilter{
		SensorID:   sensorID,
		EventStart: job.Start,
		EventEnd:   job.End,
	}
	if job.SourceID != nil {
		filter.SourceIDs = []uuid.UUID{*job.SourceID}
	}
	beliefs, err := s.store.SearchBeliefs(ctx, filter)
	if err != nil {
		return ScheduleResult{}, err
	}
	result.Beliefs = beliefs
	return result, nil
}
