// Package dispatch builds forecasting and scheduling job descriptors and
// classifies worker-side failures into retryable and terminal ones.
package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/gridflex/gridflex/internal/model"
)

// DefaultForecastHorizons is the horizon set computed after each ex-post
// value ingestion, unless overridden by configuration.
var DefaultForecastHorizons = []time.Duration{
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
	48 * time.Hour,
}

// Config carries the dispatch policy knobs.
type Config struct {
	Mode             model.ServerMode
	ForecastHorizons []time.Duration
	MaxRetries       int
}

func (c Config) horizons() []time.Duration {
	if len(c.ForecastHorizons) > 0 {
		return c.ForecastHorizons
	}
	return DefaultForecastHorizons
}

// ForecastingJob builds a forecasting job for newly ingested values, or
// reports that none should be created.
//
// Forecasts are only computed from ex-post observations: a posted horizon
// greater than zero means the values are themselves forecasts, so no job is
// built. Play mode suppresses forecasting entirely to keep demo environments
// deterministic.
func ForecastingJob(cfg Config, sensorID int, start, end time.Time, res time.Duration, postedHorizon time.Duration) (model.JobDescriptor, bool) {
	if postedHorizon > 0 {
		return model.JobDescriptor{}, false
	}
	if cfg.Mode == model.ModePlay {
		return model.JobDescriptor{}, false
	}
	return model.JobDescriptor{
		ID:         uuid.New().String(),
		Queue:      model.QueueForecasting,
		SensorID:   sensorID,
		Start:      start,
		End:        end,
		Resolution: res,
		Horizons:   cfg.horizons(),
		MaxRetries: cfg.MaxRetries,
	}, true
}

// SchedulingJob builds a scheduling job for a posted UDI event. The job id
// is the event's entity address, so re-triggering the same event overwrites
// any outstanding job for that device instead of duplicating it.
func SchedulingJob(cfg Config, entityAddress string, sensorID int, start, end time.Time, res time.Duration, socAtStart float64, targets []model.SOCTarget, udiEventID int64) model.JobDescriptor {
	soc := socAtStart
	eventID := udiEventID
	return model.JobDescriptor{
		ID:         entityAddress,
		Queue:      model.QueueScheduling,
		SensorID:   sensorID,
		Start:      start,
		End:        end,
		Resolution: res,
		SOCAtStart: &soc,
		SOCTargets: targets,
		UDIEventID: &eventID,
		MaxRetries: cfg.MaxRetries,
	}
}
