package logger

import (
	"log"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides a unified logging interface for the assistant.
// Package-level helpers write through a shared zap logger that can be
// rebuilt at startup with Init.

// LogLevel represents log severity levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	current     atomic.Pointer[zap.SugaredLogger]
)

func init() {
	current.Store(build("json").Sugar())
}

// Init rebuilds the shared logger. format is "json" or "console".
func Init(level, format string) {
	SetLevel(ParseLevel(level))
	current.Store(build(format).Sugar())
}

func build(format string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(format, "console") {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(stderr)), atomicLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// ParseLevel maps textual levels (DEBUG, info, warning, ...) to a LogLevel.
// Unknown values map to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "critical", "fatal":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum log level
func SetLevel(level LogLevel) {
	atomicLevel.SetLevel(toZap(level))
}

// CurrentLevel reports the active minimum level.
func CurrentLevel() LogLevel {
	switch atomicLevel.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

func toZap(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Debugf logs a debug message
func Debugf(format string, args ...interface{}) {
	current.Load().Debugf(format, args...)
}

// Infof logs an info message
func Infof(format string, args ...interface{}) {
	current.Load().Infof(format, args...)
}

// Warnf logs a warning message
func Warnf(format string, args ...interface{}) {
	current.Load().Warnf(format, args...)
}

// Errorf logs an error message
func Errorf(format string, args ...interface{}) {
	current.Load().Errorf(format, args...)
}

// Sync flushes buffered entries.
func Sync() {
	_ = current.Load().Sync()
}

// StdLog adapts the shared logger for APIs that take a *log.Logger, such as
// http.Server.ErrorLog. Entries are written at warn level under name.
func StdLog(name string) *log.Logger {
	z := current.Load().Desugar().WithOptions(zap.AddCallerSkip(-1)).Named(name)
	l, err := zap.NewStdLogAt(z, zapcore.WarnLevel)
	if err != nil {
		return zap.NewStdLog(z)
	}
	return l
}

// ContextLogger attaches fixed key/value context to every entry.
type ContextLogger struct {
	fields []interface{}
}

// WithContext creates a new logger with context
func WithContext(context map[string]interface{}) *ContextLogger {
	fields := make([]interface{}, 0, len(context)*2)
	for k, v := range context {
		fields = append(fields, k, v)
	}
	return &ContextLogger{fields: fields}
}

func (c *ContextLogger) sugar() *zap.SugaredLogger {
	return current.Load().With(c.fields...)
}

// Debugf logs with context
func (c *ContextLogger) Debugf(format string, args ...interface{}) {
	c.sugar().Debugf(format, args...)
}

// Infof logs with context
func (c *ContextLogger) Infof(format string, args ...interface{}) {
	c.sugar().Infof(format, args...)
}

// Warnf logs with context
func (c *ContextLogger) Warnf(format string, args ...interface{}) {
	c.sugar().Warnf(format, args...)
}

// Errorf logs with context
func (c *ContextLogger) Errorf(format string, args ...interface{}) {
	c.sugar().Errorf(format, args...)
}
