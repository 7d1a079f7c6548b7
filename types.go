package gridflex

import "time"

// Belief is one timed value statement about a sensor event: at some belief
// horizon before (or after) the event, a source believed the event's value.
type Belief struct {
	SensorID      int
	EventStart    time.Time
	BeliefHorizon time.Duration
	EventValue    float64
}

// SOCTarget is a state-of-charge goal at a point in time, in the sensor's
// storage unit.
type SOCTarget struct {
	Value    float64
	Datetime time.Time
}

// Job describes one unit of forecasting or scheduling work as handed to an
// external Forecaster or Scheduler.
type Job struct {
	ID         string
	SensorID   int
	Start      time.Time
	End        time.Time
	Resolution time.Duration

	// Horizons are the forecast horizons to produce, forecasting jobs only.
	Horizons []time.Duration

	// Scheduling inputs, scheduling jobs only.
	SOCAtStart *float64
	SOCTargets []SOCTarget
}
