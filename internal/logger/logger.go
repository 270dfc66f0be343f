package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config selects the minimum level, the encoding (text or json) and where
// log lines are written (stdout, stderr or a file path).
type Config struct {
	Level  string
	Format string
	Output string
}

var (
	mu           sync.RWMutex
	currentLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar        = newLogger(consoleEncoder(), zapcore.Lock(os.Stderr))
	closeOutput  = func() error { return nil }
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
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

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a Level.
func ParseLevel(level string) (Level, bool) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

func SetLevel(level string) {
	if l, ok := ParseLevel(level); ok {
		currentLevel.SetLevel(l.zapLevel())
	}
}

// Configure rebuilds the underlying zap logger. Unknown levels keep the
// current level; an empty output means stderr.
func Configure(cfg Config) error {
	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		encoder = consoleEncoder()
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	default:
		return fmt.Errorf("unknown log format %q (supported: text, json)", cfg.Format)
	}

	var (
		sink    zapcore.WriteSyncer
		closeFn = func() error { return nil }
	)
	switch cfg.Output {
	case "", "stderr":
		sink = zapcore.Lock(os.Stderr)
	case "stdout":
		sink = zapcore.Lock(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log output %s: %w", cfg.Output, err)
		}
		sink = zapcore.Lock(f)
		closeFn = f.Close
	}

	SetLevel(cfg.Level)

	mu.Lock()
	defer mu.Unlock()
	_ = sugar.Sync()
	_ = closeOutput()
	sugar = newLogger(encoder, sink)
	closeOutput = closeFn
	return nil
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return ec
}

func consoleEncoder() zapcore.Encoder {
	ec := encoderConfig()
	ec.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(ec)
}

func newLogger(encoder zapcore.Encoder, sink zapcore.WriteSyncer) *zap.SugaredLogger {
	return zap.New(zapcore.NewCore(encoder, sink, currentLevel)).Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debug(format string, v ...any) {
	current().Debugf(format, v...)
}

func Info(format string, v ...any) {
	current().Infof(format, v...)
}

func Warn(format string, v ...any) {
	current().Warnf(format, v...)
}

func Error(format string, v ...any) {
	current().Errorf(format, v...)
}

// Enabled reports whether messages at level would be written.
func Enabled(level Level) bool {
	return currentLevel.Enabled(level.zapLevel())
}

// Sync flushes buffered entries and closes a file output.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	err := sugar.Sync()
	if cerr := closeOutput(); cerr != nil && err == nil {
		err = cerr
	}
	closeOutput = func() error { return nil }
	return err
}
