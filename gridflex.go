// Package gridflex is the public API for embedding the gridflex energy
// flexibility server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := gridflex.New(
//	    gridflex.WithVersion(version),
//	    gridflex.WithLogger(logger),
//	    gridflex.WithForecaster(myForecaster),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: gridflex (root) imports
// internal/*, but internal/* never imports gridflex (root). Public types
// (Belief, Job, etc.) are standalone structs with no internal imports; the
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package gridflex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/gridflex/gridflex/internal/address"
	"github.com/gridflex/gridflex/internal/auth"
	"github.com/gridflex/gridflex/internal/config"
	"github.com/gridflex/gridflex/internal/dispatch"
	"github.com/gridflex/gridflex/internal/model"
	"github.com/gridflex/gridflex/internal/queue"
	"github.com/gridflex/gridflex/internal/ratelimit"
	"github.com/gridflex/gridflex/internal/server"
	"github.com/gridflex/gridflex/internal/service/ingest"
	"github.com/gridflex/gridflex/internal/storage"
	"github.com/gridflex/gridflex/internal/telemetry"
	"github.com/gridflex/gridflex/internal/worker"
	"github.com/gridflex/gridflex/migrations"
)

// App is the gridflex server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	rdb          *redis.Client
	srv          *server.Server
	pool         *worker.Pool
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the gridflex server. It connects to Postgres and Redis,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("gridflex starting", "version", version, "port", cfg.Port, "mode", cfg.Mode)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Connect to Redis.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("redis: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	q := queue.New(rdb, logger, cfg.JobTTL)
	jobCache := queue.NewJobCache(q)

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = rdb.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Ingest service.
	builder := address.Builder{HostAuthStart: cfg.AuthStarts}
	dispatchCfg := dispatch.Config{
		Mode:             cfg.Mode,
		ForecastHorizons: cfg.ForecastHorizons,
		MaxRetries:       cfg.MaxRetries,
	}
	svc := ingest.New(db, q, jobCache, builder, cfg.Host, dispatchCfg, logger)

	// Worker pool with the built-in reference implementations, unless
	// replaced via options.
	var forecaster worker.Forecaster = &worker.PersistenceForecaster{Store: db}
	if o.forecaster != nil {
		forecaster = &forecasterAdapter{f: o.forecaster}
	}
	var scheduler worker.Scheduler = &worker.NaiveScheduler{}
	if o.scheduler != nil {
		scheduler = &schedulerAdapter{s: o.scheduler}
	}
	pool := worker.New(q, db, forecaster, scheduler, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// HTTP server.
	srv := server.New(server.ServerConfig{
		Ingest:              svc,
		Accounts:            db,
		Queue:               q,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		rdb:          rdb,
		srv:          srv,
		pool:         pool,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the worker pool and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() { workerDone <- a.pool.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// Stop pulling new jobs, let in-flight ones finish.
	stopWorkers()
	select {
	case err := <-workerDone:
		if err != nil {
			a.logger.Error("worker pool stopped with error", "error", err)
		}
	case <-time.After(30 * time.Second):
		a.logger.Error("worker pool did not stop in time")
	}

	if err := a.Shutdown(context.Background()); runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains HTTP, then closes the queue, database pool and OTEL
// provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("gridflex shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if err := a.limiter.Close(); err != nil {
		a.logger.Error("limiter close error", "error", err)
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close error", "error", err)
	}
	a.db.Close()

	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Error("otel shutdown error", "error", err)
	}
	return nil
}

// forecasterAdapter bridges the public Forecaster to the worker interface.
type forecasterAdapter struct {
	f Forecaster
}

func (a *forecasterAdapter) Forecast(ctx context.Context, job model.JobDescriptor) ([]model.Belief, error) {
	beliefs, err := a.f.Forecast(ctx, toPublicJob(job))
	if err != nil {
		return nil, err
	}
	return fromPublicBeliefs(beliefs), nil
}

// schedulerAdapter bridges the public Scheduler to the worker interface.
type schedulerAdapter struct {
	s Scheduler
}

func (a *schedulerAdapter) Schedule(ctx context.Context, job model.JobDescriptor) ([]model.Belief, error) {
	beliefs, err := a.s.Schedule(ctx, toPublicJob(job))
	if err != nil {
		return nil, err
	}
	return fromPublicBeliefs(beliefs), nil
}

func toPublicJob(job model.JobDescriptor) Job {
	out := Job{
		ID:         job.ID,
		SensorID:   job.SensorID,
		Start:      job.Start,
		End:        job.End,
		Resolution: job.Resolution,
		Horizons:   job.Horizons,
		SOCAtStart: job.SOCAtStart,
	}
	for _, t := range job.SOCTargets {
		out.SOCTargets = append(out.SOCTargets, SOCTarget{Value: t.Value, Datetime: t.Datetime})
	}
	return out
}

func fromPublicBeliefs(beliefs []Belief) []model.Belief {
	out := make([]model.Belief, len(beliefs))
	for i, b := range beliefs {
		out[i] = model.Belief{
			SensorID:      b.SensorID,
			EventStart:    b.EventStart,
			BeliefHorizon: b.BeliefHorizon,
			EventValue:    b.EventValue,
		}
	}
	return out
}
