package gridflex

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	redisURL        string
	logger          *slog.Logger
	version         string
	forecaster      Forecaster
	scheduler       Scheduler
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (GRIDFLEX_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the Redis connection string from config
// (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithForecaster replaces the built-in persistence forecaster.
// Only the last call wins.
func WithForecaster(f Forecaster) Option {
	return func(o *resolvedOptions) { o.forecaster = f }
}

// WithScheduler replaces the built-in naive scheduler.
// Only the last call wins.
func WithScheduler(s Scheduler) Option {
	return func(o *resolvedOptions) { o.scheduler = s }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Multiple filesystems may be registered; they are
// applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
