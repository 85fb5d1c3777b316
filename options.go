package kindred

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
	scriptPath      string
	logger          *slog.Logger
	version         string
	auditSinks      []AuditSink
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KINDRED_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithScriptPath overrides the narrative script file from config
// (KINDRED_SCRIPT_PATH env var). Empty means the embedded default script.
func WithScriptPath(path string) Option {
	return func(o *resolvedOptions) { o.scriptPath = path }
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

// WithAuditSink registers an additional audit sink alongside the built-in
// Postgres trail. Multiple sinks may be registered; all receive every event.
func WithAuditSink(sink AuditSink) Option {
	return func(o *resolvedOptions) { o.auditSinks = append(o.auditSinks, sink) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
