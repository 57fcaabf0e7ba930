// Package logger is the process-wide diagnostics sink shared by every kernel
// component.
//
// The sink is lazily initialized on first use from the environment:
//
//	OSKIT_LOG=debug|info|warn|error   enables logging at that level (unset: discard)
//	OSKIT_LOG_FORMAT=text|json        selects the handler (default: text)
//
// Call Init to replace it explicitly, for example from a command-line flag.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Options configures the logger initialization.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	Level   slog.Level // Minimum log level
	JSON    bool       // JSON handler instead of text
	Output  io.Writer  // Destination. Default: os.Stderr
}

var (
	mu   sync.RWMutex
	once sync.Once
	l    *slog.Logger
)

// L returns the process-wide logger, initializing it from the environment on first call.
func L() *slog.Logger {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if l == nil {
			l = newLogger(optionsFromEnv())
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return l
}

// Init replaces the process-wide logger.
func Init(opts Options) {
	once.Do(func() {})
	mu.Lock()
	l = newLogger(opts)
	mu.Unlock()
}

// For returns a logger tagged with the component name.
func For(component string) *slog.Logger {
	return L().With("component", component)
}

// ParseLevel maps a level name to a slog level. Unknown names return false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}

func optionsFromEnv() Options {
	level, ok := ParseLevel(os.Getenv("OSKIT_LOG"))
	return Options{
		Enabled: ok,
		Level:   level,
		JSON:    strings.EqualFold(os.Getenv("OSKIT_LOG_FORMAT"), "json"),
	}
}

func newLogger(opts Options) *slog.Logger {
	if !opts.Enabled {
		return slog.New(slog.DiscardHandler)
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(out, hopts))
	}
	return slog.New(slog.NewTextHandler(out, hopts))
}
