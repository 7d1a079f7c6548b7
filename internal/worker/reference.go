package worker

import (
	"context"
	"time"

	"github.com/gridflex/gridflex/internal/dispatch"
	"github.com/gridflex/gridflex/internal/model"
)

// PersistenceForecaster is the reference Forecaster: it repeats the last
// observed value across the whole window, once per configured horizon.
// Useful as a baseline and for exercising the job pipeline end to end.
type PersistenceForecaster struct {
	Store Store

	// Now is the clock used for belief attribution. Nil means time.Now.
	Now func() time.Time
}

// Forecast implements Forecaster.
func (f *PersistenceForecaster) Forecast(ctx context.Context, job model.JobDescriptor) ([]model.Belief, error) {
	history, err := f.Store.SearchBeliefs(ctx, model.BeliefFilter{
		SensorID: job.SensorID,
		EventEnd: job.Start,
	})
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, &dispatch.MissingDataError{
			What:     "observations",
			SensorID: job.SensorID,
			Start:    job.Start,
			End:      job.End,
		}
	}
	last := history[len(history)-1].EventValue

	var beliefs []model.Belief
	for _, horizon := range job.Horizons {
		for start := job.Start; start.Before(job.End); start = start.Add(job.Resolution) {
			beliefs = append(beliefs, model.Belief{
				SensorID:      job.SensorID,
				EventStart:    start,
				BeliefHorizon: horizon,
				EventValue:    last,
			})
		}
	}
	return beliefs, nil
}

// NaiveScheduler is the reference Scheduler: it spreads the power needed to
// reach the last state-of-charge target evenly over the window. It stands in
// for a real optimizing scheduler, which plugs in behind the same interface.
type NaiveScheduler struct {
	// Now is the clock used to compute per-event belief horizons. Nil means
	// time.Now.
	Now func() time.Time
}

// Schedule implements Scheduler.
func (s *NaiveScheduler) Schedule(ctx context.Context, job model.JobDescriptor) ([]model.Belief, error) {
	if job.SOCAtStart == nil {
		return nil, &dispatch.MissingDataError{
			What:     "state of charge",
			SensorID: job.SensorID,
			Start:    job.Start,
			End:      job.End,
		}
	}
	window := job.End.Sub(job.Start)
	if window <= 0 || job.Resolution <= 0 {
		return nil, &dispatch.MissingDataError{
			What:     "planning window",
			SensorID: job.SensorID,
			Start:    job.Start,
			End:      job.End,
		}
	}

	target := *job.SOCAtStart
	if n := len(job.SOCTargets); n > 0 {
		target = job.SOCTargets[n-1].Value
	}
	// Constant power moving SOC from start to target over the window, in MW.
	power := (target - *job.SOCAtStart) / window.Hours()

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	at := now().UTC()

	var beliefs []model.Belief
	for start := job.Start; start.Before(job.End); start = start.Add(job.Resolution) {
		beliefs = append(beliefs, model.Belief{
			SensorID:      job.SensorID,
			EventStart:    start,
			BeliefHorizon: start.Sub(at),
			EventValue:    power,
		})
	}
	return beliefs, nil
}
