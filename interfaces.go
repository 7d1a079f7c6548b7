package gridflex

import "context"

// Forecaster produces forecast beliefs for a job. Implementations replace the
// built-in persistence forecaster via WithForecaster.
//
// Returning an error marks the job failed or retryable depending on the error
// class; transient network and database errors are retried up to the
// configured maximum.
type Forecaster interface {
	Forecast(ctx context.Context, job Job) ([]Belief, error)
}

// Scheduler produces a device schedule for a job. Implementations replace the
// built-in naive scheduler via WithScheduler.
type Scheduler interface {
	Schedule(ctx context.Context, job Job) ([]Belief, error)
}
