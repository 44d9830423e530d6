// Package logger provides component-tagged structured logging on log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name to a LogLevel. Unknown names map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Config controls the global logger.
type Config struct {
	Level  LogLevel
	Format string // "text" or "json"
	Output string // "stdout", "stderr" or a file path
}

var (
	mu     sync.RWMutex
	level  = &slog.LevelVar{}
	base   *slog.Logger
	closer io.Closer
)

func init() {
	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Configure replaces the global handler. A previously opened log file is closed.
func Configure(cfg Config) error {
	writer, c, err := openWriter(cfg.Output)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	mu.Lock()
	prev := closer
	base = slog.New(handler)
	closer = c
	mu.Unlock()

	level.Set(slogLevel(cfg.Level))
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// SetOutput points the logger at w with the text handler. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr}))
}

func SetLevel(l LogLevel) {
	level.Set(slogLevel(l))
}

func GetLevel() LogLevel {
	switch level.Level() {
	case slog.LevelDebug:
		return DEBUG
	case slog.LevelWarn:
		return WARN
	case slog.LevelError:
		return ERROR
	default:
		return INFO
	}
}

func openWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "message", Value: a.Value}
	}
	return a
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func log(l slog.Level, component, msg string, fields map[string]interface{}) {
	lg := current()
	args := make([]any, 0, 2+2*len(fields))
	if component != "" {
		args = append(args, "component", component)
	}
	// Stable field order keeps text output diffable.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	lg.Log(context.Background(), l, msg, args...)
}

func Debug(msg string) {
	log(slog.LevelDebug, "", msg, nil)
}

func DebugC(component, msg string) {
	log(slog.LevelDebug, component, msg, nil)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	log(slog.LevelDebug, component, msg, fields)
}

func Info(msg string) {
	log(slog.LevelInfo, "", msg, nil)
}

func InfoC(component, msg string) {
	log(slog.LevelInfo, component, msg, nil)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	log(slog.LevelInfo, component, msg, fields)
}

func Warn(msg string) {
	log(slog.LevelWarn, "", msg, nil)
}

func WarnC(component, msg string) {
	log(slog.LevelWarn, component, msg, nil)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	log(slog.LevelWarn, component, msg, fields)
}

func Error(msg string) {
	log(slog.LevelError, "", msg, nil)
}

func ErrorC(component, msg string) {
	log(slog.LevelError, component, msg, nil)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	log(slog.LevelError, component, msg, fields)
}
