package shared

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerAdapter interface {
	Error(msg string, err error, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Trace(msg string, fields ...zap.Field)
	With(fields ...zap.Field) LoggerAdapter
}

type stdLogger struct {
	logger *zap.Logger
}

var _ LoggerAdapter = (*stdLogger)(nil)

func (s *stdLogger) Error(msg string, err error, fields ...zap.Field) {
	s.logger.Error(msg, append(fields, zap.Error(err))...)
}

func (s *stdLogger) Warn(msg string, fields ...zap.Field) {
	s.logger.Warn(msg, fields...)
}

func (s *stdLogger) Info(msg string, fields ...zap.Field) {
	s.logger.Info(msg, fields...)
}

func (s *stdLogger) Debug(msg string, fields ...zap.Field) {
	s.logger.Debug(msg, fields...)
}

func (s *stdLogger) Trace(msg string, fields ...zap.Field) {
	s.logger.Debug(msg, fields...)
}

func (s *stdLogger) With(fields ...zap.Field) LoggerAdapter {
	return &stdLogger{logger: s.logger.With(fields...)}
}

func NewStdLogger() LoggerAdapter {
	logger, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return &stdLogger{logger: logger}
}

func NewNopLogger() LoggerAdapter {
	return &stdLogger{logger: zap.NewNop()}
}

func NewFileLogger(filename string, maxSizeMB int, maxBackups int, maxAgeDays int, compress bool) LoggerAdapter {
	hook := lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&hook),
		zapcore.DebugLevel,
	)

	logger := zap.New(core, zap.AddCallerSkip(1))
	return &stdLogger{logger: logger}
}

// LogFilter selects which records a filtered logger lets through. An empty
// Components list admits every component; errors always pass.
type LogFilter struct {
	Min        zapcore.Level
	Components []string
}

type filteredLogger struct {
	base    LoggerAdapter
	min     zapcore.Level
	allowed bool
}

var _ LoggerAdapter = (*filteredLogger)(nil)

// NewFilteredLogger scopes base to a single named component with a severity
// floor. It is an injectable sink: callers hand one to each subsystem instead
// of mutating any process-wide logger.
func NewFilteredLogger(base LoggerAdapter, filter LogFilter, component string) LoggerAdapter {
	allowed := len(filter.Components) == 0
	for _, c := range filter.Components {
		if c == component {
			allowed = true
			break
		}
	}
	return &filteredLogger{
		base:    base.With(zap.String("component", component)),
		min:     filter.Min,
		allowed: allowed,
	}
}

func (f *filteredLogger) enabled(level zapcore.Level) bool {
	return f.allowed && level >= f.min
}

func (f *filteredLogger) Error(msg string, err error, fields ...zap.Field) {
	// Errors bypass the component filter; silence must never hide failures.
	if zapcore.ErrorLevel >= f.min {
		f.base.Error(msg, err, fields...)
	}
}

func (f *filteredLogger) Warn(msg string, fields ...zap.Field) {
	if f.enabled(zapcore.WarnLevel) {
		f.base.Warn(msg, fields...)
	}
}

func (f *filteredLogger) Info(msg string, fields ...zap.Field) {
	if f.enabled(zapcore.InfoLevel) {
		f.base.Info(msg, fields...)
	}
}

func (f *filteredLogger) Debug(msg string, fields ...zap.Field) {
	if f.enabled(zapcore.DebugLevel) {
		f.base.Debug(msg, fields...)
	}
}

func (f *filteredLogger) Trace(msg string, fields ...zap.Field) {
	if f.enabled(zapcore.DebugLevel) {
		f.base.Trace(msg, fields...)
	}
}

func (f *filteredLogger) With(fields ...zap.Field) LoggerAdapter {
	return &filteredLogger{base: f.base.With(fields...), min: f.min, allowed: f.allowed}
}
