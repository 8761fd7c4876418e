// Package workspace manages the remote scratch directory of one session.
package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/antonkrylov/xlab/internal/remote"
)

const (
	DefaultRemoveAttempts = 3
	DefaultRetryDelay     = 2 * time.Second
)

// Workspace is a remote directory and the files written into it.
type Workspace struct {
	Path  string
	Files []string
}

// File returns the absolute remote path of rel inside the workspace.
func (w *Workspace) File(rel string) string {
	return path.Join(w.Path, rel)
}

// WorkspaceError reports that the remote directory could not be prepared.
type WorkspaceError struct {
	Path string
	Err  error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s: %v", e.Path, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// CleanupError reports that removal kept failing; the operator has to remove
// Path by hand.
type CleanupError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("could not remove job folder after %d attempts, please remove it manually: %s: %v", e.Attempts, e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Manager creates and removes workspaces over a transport.
type Manager struct {
	T remote.Transport
	// Attempts bounds Remove; DefaultRemoveAttempts when zero.
	Attempts int
	// RetryDelay is the fixed pause between removal attempts.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Create makes path (and parents) on the remote host.
func (m *Manager) Create(ctx context.Context, dir string) (*Workspace, error) {
	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		return nil, &WorkspaceError{Path: dir, Err: fmt.Errorf("path is required")}
	}
	res, err := m.T.Run(ctx, "test -d "+remote.Quote(dir), remote.RunOptions{Hide: true, Warn: true})
	if err != nil {
		return nil, &WorkspaceError{Path: dir, Err: err}
	}
	if !res.OK() {
		m.logger().Info("creating workspace", "path", dir, "host", m.T.Host())
		if _, err := m.T.Run(ctx, "mkdir -p "+remote.Quote(dir), remote.RunOptions{Hide: true}); err != nil {
			return nil, &WorkspaceError{Path: dir, Err: err}
		}
	}
	return &Workspace{Path: dir}, nil
}

// WriteFile uploads content to rel inside ws and records it.
func (m *Manager) WriteFile(ctx context.Context, ws *Workspace, rel string, content []byte) (string, error) {
	p := ws.File(rel)
	if err := m.T.Upload(ctx, content, p); err != nil {
		return "", &WorkspaceError{Path: p, Err: err}
	}
	for _, f := range ws.Files {
		if f == rel {
			return p, nil
		}
	}
	ws.Files = append(ws.Files, rel)
	return p, nil
}

// MakeExecutable marks rel inside ws as executable.
func (m *Manager) MakeExecutable(ctx context.Context, ws *Workspace, rel string) error {
	p := ws.File(rel)
	if _, err := m.T.Run(ctx, "chmod +x "+remote.Quote(p), remote.RunOptions{Hide: true}); err != nil {
		return &WorkspaceError{Path: p, Err: err}
	}
	return nil
}

// Remove deletes ws. Failed attempts are retried a bounded number of times,
// waiting RetryDelay between them.
func (m *Manager) Remove(ctx context.Context, ws *Workspace) error {
	attempts := m.Attempts
	if attempts <= 0 {
		attempts = DefaultRemoveAttempts
	}
	delay := m.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &CleanupError{Path: ws.Path, Attempts: i, Err: ctx.Err()}
			case <-timer.C:
			}
		}
		res, err := m.T.Run(ctx, "rm -rf "+remote.Quote(ws.Path), remote.RunOptions{Hide: true, Warn: true})
		if err == nil && res.OK() {
			m.logger().Info("workspace removed", "path", ws.Path, "attempt", i+1)
			ws.Files = nil
			return nil
		}
		if err == nil {
			err = &remote.ExitError{Cmd: "rm -rf " + ws.Path, Result: res}
		}
		lastErr = err
		m.logger().Warn("workspace removal failed", "path", ws.Path, "attempt", i+1, "err", err)
	}
	return &CleanupError{Path: ws.Path, Attempts: attempts, Err: lastErr}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return discardLogger
	}
	return m.Logger
}
