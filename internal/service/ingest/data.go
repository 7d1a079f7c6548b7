package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridflex/gridflex/internal/dispatch"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/resolution"
	"github.com/gridflex/gridflex/internal/timing"
)

// PostDataInput is one posted value message: parallel value groups, one per
// entity address, sharing a single time window and timing parameters.
type PostDataInput struct {
	Addresses []string
	Values    [][]float64
	Start     time.Time
	Duration  time.Duration

	// Unit optionally states the unit of the posted values; when set it must
	// match what each targeted sensor records.
	Unit string

	// Horizon is the posted belief horizon, nil if the client stated a prior
	// instead. Rolling anchors it per event; otherwise it counts back from
	// the end of the window.
	Horizon *time.Duration
	Rolling bool
	Prior   *time.Time

	SourceID uuid.UUID
}

// UnitMismatchError reports a posted unit that differs from what the
// targeted sensor records.
type UnitMismatchError struct {
	SensorID int
	Posted   string
	Recorded string
}

func (e *UnitMismatchError) Error() string {
	return fmt.Sprintf("ingest: sensor %d records %s, not %s", e.SensorID, e.Recorded, e.Posted)
}

// PostDataResult reports what a post produced.
type PostDataResult struct {
	SensorIDs []int
	Saved     int
	JobIDs    []string
}

// PostSensorData validates and persists a posted value message, then
// dispatches forecasting work for ex-post data.
func (s *Service) PostSensorData(ctx context.Context, in PostDataInput) (PostDataResult, error) {
	if len(in.Addresses) == 0 || len(in.Addresses) != len(in.Values) {
		return PostDataResult{}, fmt.Errorf("ingest: need one value group per entity address")
	}

	// 1. Resolve entity addresses to stored sensors.
	sensorIDs := make([]int, len(in.Addresses))
	for i, addr := range in.Addresses {
		id, err := resolveSensorAddress(addr)
		if err != nil {
			return PostDataResult{}, err
		}
		sensorIDs[i] = id
	}
	sensors, err := s.store.GetSensors(ctx, sensorIDs)
	if err != nil {
		return PostDataResult{}, err
	}

	// 2. All targeted sensors must record the posted unit and agree on one
	// required resolution.
	targets := make([]resolution.Target, len(sensors))
	for i, sensor := range sensors {
		if in.Unit != "" && sensor.Unit != "" && in.Unit != sensor.Unit {
			return PostDataResult{}, &UnitMismatchError{SensorID: sensor.ID, Posted: in.Unit, Recorded: sensor.Unit}
		}
		targets[i] = resolution.Target{SensorID: sensor.ID, Required: sensor.EventResolution}
	}
	required, err := resolution.CheckConflicts(targets)
	if err != nil {
		return PostDataResult{}, err
	}

	// 3. Map the posted series onto the required resolution.
	groups, _, err := resolution.Upsample(in.Values, in.Duration, required)
	if err != nil {
		return PostDataResult{}, err
	}

	// 4. Resolve belief timing per sensor. A non-rolling horizon counts back
	// from the end of the window, which is exactly a prior at end-horizon;
	// when the client also stated a prior, the earliest belief time wins.
	req := timing.Request{
		Start:      in.Start,
		Resolution: required,
		Prior:      in.Prior,
	}
	if in.Horizon != nil {
		if in.Rolling {
			req.Horizon = in.Horizon
		} else {
			prior := in.Start.Add(in.Duration).Add(-*in.Horizon)
			if req.Prior == nil || prior.Before(*req.Prior) {
				req.Prior = &prior
			}
		}
	}

	// 5. Persist, overwriting prior values only in play mode.
	overwrite := s.cfg.Mode == model.ModePlay
	result := PostDataResult{SensorIDs: sensorIDs}
	for i, sensor := range sensors {
		req.Values = groups[i]
		req.KnowledgeHorizon = sensor.KnowledgeHorizon
		starts, horizons, err := timing.Resolve(req)
		if err != nil {
			return PostDataResult{}, err
		}

		beliefs := make([]model.Belief, len(groups[i]))
		for j, v := range groups[i] {
			beliefs[j] = model.Belief{
				SensorID:      sensor.ID,
				EventStart:    starts[j],
				BeliefHorizon: horizons[j],
				EventValue:    v,
				SourceID:      in.SourceID,
			}
		}
		if err := s.store.SaveBeliefs(ctx, beliefs, overwrite); err != nil {
			return PostDataResult{}, err
		}
		result.Saved += len(beliefs)
		s.valuesIngested.Add(ctx, int64(len(beliefs)))

		// 6. Ex-post data gets forecasting work.
		end := in.Start.Add(in.Duration)
		job, ok := dispatch.ForecastingJob(s.cfg, sensor.ID, in.Start, end, required, maxHorizon(horizons))
		if !ok {
			continue
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			// Data is saved; forecasts can be regenerated. Log and move on.
			s.logger.Error("forecasting job enqueue failed", "sensor_id", sensor.ID, "error", err)
			continue
		}
		s.jobsDispatched.Add(ctx, 1)
		s.indexJob(ctx, job, model.EntitySensorKind, sensor.ID)
		result.JobIDs = append(result.JobIDs, job.ID)
	}

	s.logger.Info("sensor data posted",
		"sensors", len(sensors), "values", result.Saved, "jobs", len(result.JobIDs))
	return result, nil
}

// GetDataInput selects beliefs to read back.
type GetDataInput struct {
	Address string
	Start   time.Time
	End     time.Time

	// Resolution optionally requests a coarser resolution than the sensor's
	// native one. Must be an integer multiple.
	Resolution time.Duration

	HorizonAtLeast *time.Duration
	HorizonAtMost  *time.Duration
	BeliefTimeAt   *time.Time // beliefs known at or before this time
	SourceIDs      []uuid.UUID
}

// GetDataResult is a read-back value series.
type GetDataResult struct {
	SensorID   int
	Unit       string
	Resolution time.Duration
	Beliefs    []model.Belief
}

// GetSensorData reads beliefs back, optionally aggregated to a coarser
// resolution.
func (s *Service) GetSensorData(ctx context.Context, in GetDataInput) (GetDataResult, error) {
	sensorID, err := resolveSensorAddress(in.Address)
	if err != nil {
		return GetDataResult{}, err
	}
	sensor, err := s.store.GetSensor(ctx, sensorID)
	if err != nil {
		return GetDataResult{}, err
	}
	if err := resolution.ValidateDownsample(in.Resolution, sensor.EventResolution); err != nil {
		return GetDataResult{}, err
	}

	filter := model.BeliefFilter{
		SensorID:       sensor.ID,
		EventStart:     in.Start,
		EventEnd:       in.End,
		HorizonAtLeast: in.HorizonAtLeast,
		HorizonAtMost:  in.HorizonAtMost,
		SourceIDs:      in.SourceIDs,
	}
	if in.Resolution != sensor.EventResolution {
		filter.TargetResolution = in.Resolution
	}
	if in.BeliefTimeAt != nil {
		filter.BeliefTimeAtMost = in.BeliefTimeAt
	}

	beliefs, err := s.store.SearchBeliefs(ctx, filter)
	if err != nil {
		return GetDataResult{}, err
	}

	res := sensor.EventResolution
	if in.Resolution > 0 {
		res = in.Resolution
	}
	return GetDataResult{
		SensorID:   sensor.ID,
		Unit:       sensor.Unit,
		Resolution: res,
		Beliefs:    beliefs,
	}, nil
}
