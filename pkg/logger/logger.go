package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-logfmt/logfmt"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseLevel maps a config value such as "warn" to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

type Logger struct {
	encoder *logfmt.Encoder
	output  io.Writer
	level   Level
	mu      sync.Mutex
}

func New(output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		encoder: logfmt.NewEncoder(output),
		output:  output,
		level:   LevelInfo,
	}
}

func NewDefault() *Logger {
	return New(os.Stdout)
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	_ = l.encoder.EncodeKeyval("time", time.Now().Format(time.RFC3339))
	_ = l.encoder.EncodeKeyval("level", level.String())
	_ = l.encoder.EncodeKeyval("msg", msg)

	// sorted so records are stable across runs
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_ = l.encoder.EncodeKeyval(k, fields[k])
	}

	_ = l.encoder.EndRecord()
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.log(LevelError, msg, fields)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

func (l *Logger) Fatal(msg string, fields map[string]any) {
	l.log(LevelFatal, msg, fields)
	os.Exit(1)
}

var defaultLogger = NewDefault()

// Default returns the process-wide logger used by the package-level helpers.
func Default() *Logger {
	return defaultLogger
}

func SetLevel(level Level) {
	defaultLogger.SetLevel(level)
}

func Debug(msg string, fields map[string]any) {
	defaultLogger.Debug(msg, fields)
}

func Info(msg string, fields map[string]any) {
	defaultLogger.Info(msg, fields)
}

func Error(msg string, err error, fields map[string]any) {
	defaultLogger.Error(msg, err, fields)
}

func Warn(msg string, fields map[string]any) {
	defaultLogger.Warn(msg, fields)
}

func Fatal(msg string, fields map[string]any) {
	defaultLogger.Fatal(msg, fields)
}

func Printf(format string, args ...any) {
	defaultLogger.Info(fmt.Sprintf(format, args...), nil)
}

func Fatalf(format string, args ...any) {
	defaultLogger.Fatal(fmt.Sprintf(format, args...), nil)
}
