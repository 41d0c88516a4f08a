package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements Logger using zap.
type ZapLogger struct {
	logger    *zap.Logger
	fields    map[string]interface{}
	component string
}

// NewZapLogger creates a new zap-based logger for the given component.
func NewZapLogger(component string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}

	return &ZapLogger{
		logger:    logger,
		fields:    make(map[string]interface{}),
		component: component,
	}, nil
}

func (z *ZapLogger) Info(msg string, fields map[string]interface{}) {
	z.logger.Info(msg, z.buildZapFields(fields)...)
}

func (z *ZapLogger) Error(msg string, err error, fields map[string]interface{}) {
	zapFields := z.buildZapFields(fields)
	if err != nil {
		zapFields = append(zapFields, zap.Error(err))
	}
	z.logger.Error(msg, zapFields...)
}

func (z *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	z.logger.Warn(msg, z.buildZapFields(fields)...)
}

func (z *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	z.logger.Debug(msg, z.buildZapFields(fields)...)
}

func (z *ZapLogger) WithPipeline(pipeline string) Logger {
	next := cloneFields(z.fields)
	next["pipeline"] = pipeline
	return &ZapLogger{logger: z.logger, fields: next, component: z.component}
}

func (z *ZapLogger) WithContext(ctx map[string]interface{}) Logger {
	next := cloneFields(z.fields)
	for k, v := range ctx {
		next[k] = v
	}
	return &ZapLogger{logger: z.logger, fields: next, component: z.component}
}

func cloneFields(src map[string]interface{}) map[string]interface{} {
	next := make(map[string]interface{}, len(src))
	for k, v := range src {
		next[k] = v
	}
	return next
}

func (z *ZapLogger) buildZapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(z.fields)+len(fields)+2)
	out = append(out, zap.String("component", z.component))
	out = append(out, zap.Time("timestamp", time.Now()))

	for k, v := range z.fields {
		out = append(out, convertToZapField(k, v))
	}
	for k, v := range fields {
		out = append(out, convertToZapField(k, v))
	}
	return out
}

func convertToZapField(key string, value interface{}) zap.Field {
	switch v := value.(type) {
	case string:
		return zap.String(key, v)
	case int:
		return zap.Int(key, v)
	case int64:
		return zap.Int64(key, v)
	case float64:
		return zap.Float64(key, v)
	case bool:
		return zap.Bool(key, v)
	case time.Duration:
		return zap.Duration(key, v)
	case time.Time:
		return zap.Time(key, v)
	case error:
		return zap.Error(v)
	default:
		return zap.Any(key, v)
	}
}

// Close flushes any buffered log entries.
func (z *ZapLogger) Close() error {
	return z.logger.Sync()
}
