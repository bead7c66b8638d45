package logger

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured log attribute.
type Field = zap.Field

// Logger is the narrow logging surface used by every engine component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field constructors, re-exported so callers don't import zap directly.
var (
	String   = zap.String
	Float64  = zap.Float64
	Int      = zap.Int
	Bool     = zap.Bool
	Time     = zap.Time
	Duration = zap.Duration
	Err      = zap.Error
)

// Price logs an optional price level; the field is omitted when v is nil.
func Price(key string, v *float64) Field {
	if v == nil {
		return zap.Skip()
	}
	return zap.Float64(key, *v)
}

// zapLogger implements Logger on top of a plain *zap.Logger.
type zapLogger struct {
	z *zap.Logger
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// NewZapLogger creates a production‑ready logger (JSON encoding, level INFO).
func NewZapLogger() (Logger, error) {
	return NewZapLoggerLevel("info")
}

// NewZapLoggerLevel is NewZapLogger with an explicit level name
// ("debug", "info", "warn", "error").
func NewZapLoggerLevel(level string) (Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{z: z}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() Logger { return &zapLogger{z: zap.NewNop()} }

// With returns a child logger carrying the given fields on every entry.
// Loggers not created by this package are returned unchanged with the
// fields prepended per call.
func With(l Logger, fields ...Field) Logger {
	if zl, ok := l.(*zapLogger); ok {
		return &zapLogger{z: zl.z.With(fields...)}
	}
	return &boundLogger{base: l, fields: fields}
}

type boundLogger struct {
	base   Logger
	fields []Field
}

func (b *boundLogger) merge(fields []Field) []Field {
	out := make([]Field, 0, len(b.fields)+len(fields))
	out = append(out, b.fields...)
	return append(out, fields...)
}

func (b *boundLogger) Debug(msg string, fields ...Field) { b.base.Debug(msg, b.merge(fields)...) }
func (b *boundLogger) Info(msg string, fields ...Field)  { b.base.Info(msg, b.merge(fields)...) }
func (b *boundLogger) Warn(msg string, fields ...Field)  { b.base.Warn(msg, b.merge(fields)...) }
func (b *boundLogger) Error(msg string, fields ...Field) { b.base.Error(msg, b.merge(fields)...) }

// Clock formats engine time for log lines in the reference timezone.
func Clock(key string, t time.Time, loc *time.Location) Field {
	if loc != nil {
		t = t.In(loc)
	}
	return zap.String(key, t.Format("2006-01-02 15:04:05"))
}
