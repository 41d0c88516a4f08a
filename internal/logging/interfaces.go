// Package logging provides the structured logging backbone used by every
// component of the orchestrator: a zap-backed Logger with pipeline/context
// chaining, and an optional decorator that additionally persists log rows
// through the store.
package logging

// Logger is the core logging interface used throughout the system.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// WithPipeline returns a logger tagged with the given pipeline/loop name.
	WithPipeline(pipeline string) Logger

	// WithContext returns a logger with additional persistent fields merged in.
	WithContext(ctx map[string]interface{}) Logger
}

// LoggerFactory creates named loggers for the orchestrator's components.
type LoggerFactory interface {
	CreateLogger(component string) Logger
	CreateQueueLogger(partitionKey string) Logger
	CreateDownloadLogger(guildID string) Logger
	CreatePlayerLogger(guildID string) Logger
	CreateOrchestratorLogger(loop string) Logger
}

// LogRepository persists log rows for the database-backed decorator.
type LogRepository interface {
	SaveLog(component, level, message, errText string, fields map[string]interface{}) error
}
