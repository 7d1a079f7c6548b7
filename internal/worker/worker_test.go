package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflex/gridflex/internal/dispatch"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/queue"
	"github.com/gridflex/gridflex/internal/worker"
)

type fakeQueue struct {
	pending  []model.JobDescriptor
	updates  []model.JobDescriptor
	requeued []model.JobDescriptor
}

func (f *fakeQueue) Pull(ctx context.Context, q model.QueueName, _ time.Duration) (model.JobDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return model.JobDescriptor{}, err
	}
	for i, job := range f.pending {
		if job.Queue == q {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return job, nil
		}
	}
	return model.JobDescriptor{}, queue.ErrJobNotFound
}

func (f *fakeQueue) Update(_ context.Context, job model.JobDescriptor) error {
	f.updates = append(f.updates, job)
	return nil
}

func (f *fakeQueue) Requeue(_ context.Context, job model.JobDescriptor) error {
	f.requeued = append(f.requeued, job)
	return nil
}

func (f *fakeQueue) last(t *testing.T) model.JobDescriptor {
	t.Helper()
	require.NotEmpty(t, f.updates)
	return f.updates[len(f.updates)-1]
}

type fakeStore struct {
	history       []model.Belief
	saved         []model.Belief
	lastOverwrite bool
	sourceErr     error
}

func (f *fakeStore) EnsureSource(_ context.Context, name, sourceType string) (model.Source, error) {
	if f.sourceErr != nil {
		return model.Source{}, f.sourceErr
	}
	return model.Source{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)), Name: name, Type: sourceType}, nil
}

func (f *fakeStore) SaveBeliefs(_ context.Context, beliefs []model.Belief, overwrite bool) error {
	f.saved = append(f.saved, beliefs...)
	f.lastOverwrite = overwrite
	return nil
}

func (f *fakeStore) SearchBeliefs(_ context.Context, _ model.BeliefFilter) ([]model.Belief, error) {
	return f.history, nil
}

type stubForecaster struct {
	beliefs []model.Belief
	err     error
}

func (s *stubForecaster) Forecast(context.Context, model.JobDescriptor) ([]model.Belief, error) {
	return s.beliefs, s.err
}

type stubScheduler struct {
	beliefs []model.Belief
	err     error
}

func (s *stubScheduler) Schedule(context.Context, model.JobDescriptor) ([]model.Belief, error) {
	return s.beliefs, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func forecastJob() model.JobDescriptor {
	start := time.Date(2021, 1, 21, 12, 0, 0, 0, time.UTC)
	return model.JobDescriptor{
		ID:         "f-1",
		Queue:      model.QueueForecasting,
		SensorID:   1,
		Start:      start,
		End:        start.Add(time.Hour),
		Resolution: 15 * time.Minute,
		Horizons:   []time.Duration{time.Hour},
		MaxRetries: 2,
	}
}

func TestProcessFinishesJob(t *testing.T) {
	q := &fakeQueue{}
	store := &fakeStore{}
	forecast := []model.Belief{{SensorID: 1, EventValue: 4.2}}
	pool := worker.New(q, store, &stubForecaster{beliefs: forecast}, nil, testLogger())

	pool.Process(context.Background(), forecastJob())

	final := q.last(t)
	assert.Equal(t, model.JobFinished, final.Status)
	require.NotNil(t, final.SourceID)

	require.Len(t, store.saved, 1)
	assert.Equal(t, *final.SourceID, store.saved[0].SourceID)
	assert.True(t, store.lastOverwrite, "job output replaces earlier output")
}

func TestProcessTerminalFailure(t *testing.T) {
	q := &fakeQueue{}
	missing := &dispatch.MissingDataError{What: "prices", SensorID: 1}
	pool := worker.New(q, &fakeStore{}, &stubForecaster{err: missing}, nil, testLogger())

	pool.Process(context.Background(), forecastJob())

	final := q.last(t)
	assert.Equal(t, model.JobFailed, final.Status)
	assert.Equal(t, "MissingDataError", final.ErrorType)
	assert.Contains(t, final.LastError, "missing prices")
	assert.Empty(t, q.requeued)
}

func TestProcessRetryableFailure(t *testing.T) {
	q := &fakeQueue{}
	transient := fmt.Errorf("store: %w", &net.OpError{Op: "dial", Err: errors.New("refused")})
	pool := worker.New(q, &fakeStore{}, &stubForecaster{err: transient}, nil, testLogger())

	pool.Process(context.Background(), forecastJob())

	require.Len(t, q.requeued, 1)
	assert.Equal(t, 1, q.requeued[0].Attempt)
	assert.Equal(t, model.JobQueued, q.requeued[0].Status)
}

func TestProcessRetriesExhausted(t *testing.T) {
	q := &fakeQueue{}
	transient := fmt.Errorf("store: %w", &net.OpError{Op: "dial", Err: errors.New("refused")})
	pool := worker.New(q, &fakeStore{}, &stubForecaster{err: transient}, nil, testLogger())

	job := forecastJob()
	job.Attempt = job.MaxRetries
	pool.Process(context.Background(), job)

	assert.Empty(t, q.requeued)
	final := q.last(t)
	assert.Equal(t, model.JobFailed, final.Status)
	assert.Equal(t, "OpError", final.ErrorType)
}

func TestRunStopsOnCancel(t *testing.T) {
	q := &fakeQueue{pending: []model.JobDescriptor{forecastJob()}}
	store := &fakeStore{}
	pool := worker.New(q, store, &stubForecaster{beliefs: []model.Belief{{SensorID: 1}}},
		&stubScheduler{}, testLogger())
	pool.PullTimeout = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	// Give the loop a moment to drain the pending job, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop on cancel")
	}
	assert.NotEmpty(t, q.updates, "pending job was processed before cancel")
}

func TestPersistenceForecaster(t *testing.T) {
	start := time.Date(2021, 1, 21, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{history: []model.Belief{
		{SensorID: 1, EventStart: start.Add(-30 * time.Minute), EventValue: 3.5},
	}}
	f := &worker.PersistenceForecaster{Store: store}

	job := forecastJob()
	job.Horizons = []time.Duration{time.Hour, 6 * time.Hour}
	beliefs, err := f.Forecast(context.Background(), job)
	require.NoError(t, err)

	// 4 events per horizon, 2 horizons.
	require.Len(t, beliefs, 8)
	for _, b := range beliefs {
		assert.Equal(t, 3.5, b.EventValue)
	}
	assert.Equal(t, time.Hour, beliefs[0].BeliefHorizon)
	assert.Equal(t, 6*time.Hour, beliefs[4].BeliefHorizon)
}

func TestPersistenceForecasterNoHistory(t *testing.T) {
	f := &worker.PersistenceForecaster{Store: &fakeStore{}}

	_, err := f.Forecast(context.Background(), forecastJob())
	var missing *dispatch.MissingDataError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, dispatch.FailureTerminal, dispatch.Classify(err))
}

func TestNaiveScheduler(t *testing.T) {
	start := time.Date(2021, 1, 21, 12, 0, 0, 0, time.UTC)
	soc := 10.0
	job := model.JobDescriptor{
		ID:         "s-1",
		Queue:      model.QueueScheduling,
		SensorID:   1,
		Start:      start,
		End:        start.Add(3 * time.Hour),
		Resolution: time.Hour,
		SOCAtStart: &soc,
		SOCTargets: []model.SOCTarget{{Value: 13, Datetime: start.Add(3 * time.Hour)}},
	}

	s := &worker.NaiveScheduler{Now: func() time.Time { return start }}
	beliefs, err := s.Schedule(context.Background(), job)
	require.NoError(t, err)

	// 3 MWh over 3 hours is a constant 1 MW.
	require.Len(t, beliefs, 3)
	for _, b := range beliefs {
		assert.Equal(t, 1.0, b.EventValue)
	}
	assert.Equal(t, time.Duration(0), beliefs[0].BeliefHorizon)
	assert.Equal(t, 2*time.Hour, beliefs[2].BeliefHorizon)
}

func TestNaiveSchedulerMissingSOC(t *testing.T) {
	s := &worker.NaiveScheduler{}
	job := forecastJob()
	job.Queue = model.QueueScheduling
	job.SOCAtStart = nil

	_, err := s.Schedule(context.Background(), job)
	var missing *dispatch.MissingDataError
	assert.ErrorAs(t, err, &missing)
}
