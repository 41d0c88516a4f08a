package logging

import "fmt"

// DatabaseLogger decorates a Logger so every entry is also persisted through
// a LogRepository, mirroring the teacher's centralized-logging design.
type DatabaseLogger struct {
	inner      *ZapLogger
	repository LogRepository
	component  string
	fields     map[string]interface{}
}

// NewDatabaseLogger creates a DatabaseLogger for the given component.
func NewDatabaseLogger(component string, repo LogRepository) *DatabaseLogger {
	inner, err := NewZapLogger(component)
	if err != nil {
		// Logging must never prevent startup; fall back to an unconfigured
		// zap logger rather than panicking.
		inner = &ZapLogger{fields: make(map[string]interface{}), component: component}
	}
	return &DatabaseLogger{
		inner:      inner,
		repository: repo,
		component:  component,
		fields:     make(map[string]interface{}),
	}
}

func (d *DatabaseLogger) Info(msg string, fields map[string]interface{}) {
	d.inner.Info(msg, fields)
	d.persist("INFO", msg, nil, fields)
}

func (d *DatabaseLogger) Error(msg string, err error, fields map[string]interface{}) {
	d.inner.Error(msg, err, fields)
	d.persist("ERROR", msg, err, fields)
}

func (d *DatabaseLogger) Warn(msg string, fields map[string]interface{}) {
	d.inner.Warn(msg, fields)
	d.persist("WARN", msg, nil, fields)
}

func (d *DatabaseLogger) Debug(msg string, fields map[string]interface{}) {
	d.inner.Debug(msg, fields)
	// Debug-level entries are not persisted; they would dominate the table.
}

func (d *DatabaseLogger) WithPipeline(pipeline string) Logger {
	next := cloneFields(d.fields)
	next["pipeline"] = pipeline
	return &DatabaseLogger{inner: d.inner.WithPipeline(pipeline).(*ZapLogger), repository: d.repository, component: d.component, fields: next}
}

func (d *DatabaseLogger) WithContext(ctx map[string]interface{}) Logger {
	next := cloneFields(d.fields)
	for k, v := range ctx {
		next[k] = v
	}
	return &DatabaseLogger{inner: d.inner.WithContext(ctx).(*ZapLogger), repository: d.repository, component: d.component, fields: next}
}

func (d *DatabaseLogger) persist(level, msg string, err error, fields map[string]interface{}) {
	if d.repository == nil {
		return
	}
	merged := cloneFields(d.fields)
	for k, v := range fields {
		merged[k] = v
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if saveErr := d.repository.SaveLog(d.component, level, msg, errText, merged); saveErr != nil {
		d.inner.Warn("failed to persist log entry", map[string]interface{}{"save_error": fmt.Sprint(saveErr)})
	}
}
