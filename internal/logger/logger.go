// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger is a printf-style leveled logger carrying optional fields.
type Logger struct {
	level  Level
	sugar  *zap.SugaredLogger
	fields []interface{}
}

var defaultLogger *Logger

// ParseLevel maps a config string to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	l := ParseLevel(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.ToLower(format) == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(l.zapLevel()))
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))

	defaultLogger = &Logger{
		level: l,
		sugar: base.Sugar(),
	}
}

// Sync flushes buffered log entries.
func Sync() {
	if defaultLogger != nil {
		_ = defaultLogger.sugar.Sync()
	}
}

// With returns a logger that attaches the given key/value pairs to every entry.
// Before Init it returns a logger that discards everything.
func With(keysAndValues ...interface{}) *Logger {
	if defaultLogger == nil {
		return &Logger{level: ErrorLevel + 1, sugar: zap.NewNop().Sugar()}
	}
	fields := make([]interface{}, 0, len(defaultLogger.fields)+len(keysAndValues))
	fields = append(fields, defaultLogger.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{
		level:  defaultLogger.level,
		sugar:  defaultLogger.sugar,
		fields: fields,
	}
}

func (l *Logger) log(lvl Level, format string, args []interface{}) {
	if l == nil || l.level > lvl {
		return
	}
	var fn func(string, ...interface{})
	switch lvl {
	case DebugLevel:
		fn = l.sugar.Debugw
	case InfoLevel:
		fn = l.sugar.Infow
	case WarnLevel:
		fn = l.sugar.Warnw
	default:
		fn = l.sugar.Errorw
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	fn(msg, l.fields...)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(DebugLevel, format, args) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(InfoLevel, format, args) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(WarnLevel, format, args) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(ErrorLevel, format, args) }

func Debug(format string, args ...interface{}) { defaultLogger.log(DebugLevel, format, args) }
func Info(format string, args ...interface{})  { defaultLogger.log(InfoLevel, format, args) }
func Warn(format string, args ...interface{})  { defaultLogger.log(WarnLevel, format, args) }
func Error(format string, args ...interface{}) { defaultLogger.log(ErrorLevel, format, args) }

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if defaultLogger != nil {
		defaultLogger.sugar.Errorw("[FATAL] "+msg, defaultLogger.fields...)
		_ = defaultLogger.sugar.Sync()
	} else {
		_, _ = os.Stderr.WriteString("[FATAL] " + msg + "\n")
	}
	os.Exit(1)
}
