// Package logging sets up the structured log file kept next to the xlab
// config. The console is reserved for progress output; everything a
// maintainer needs for post-hoc debugging goes to the JSON log.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileName = "xlab.log"

// Logger is a JSON slog logger backed by an append-only file.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// Open creates dir if needed and appends JSON records to dir/xlab.log.
// An empty dir logs to stderr instead.
func Open(dir, level string) (*Logger, error) {
	var (
		w    io.Writer = os.Stderr
		file *os.File
	)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, file = f, f
	}
	return &Logger{
		Logger: New(w, level),
		file:   file,
	}, nil
}

// New returns a JSON logger on w.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR to slog levels; anything else is INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Path is where Open writes for dir.
func Path(dir string) string {
	return filepath.Join(dir, fileName)
}

// WithSession tags every record with the session id.
func WithSession(l *slog.Logger, sessionID string) *slog.Logger {
	return l.With(slog.String("session_id", sessionID))
}

// WithPhase tags every record with a lifecycle phase.
func WithPhase(l *slog.Logger, phase string) *slog.Logger {
	return l.With(slog.String("phase", phase))
}

// Close closes the log file. It is a no-op for stderr loggers.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
