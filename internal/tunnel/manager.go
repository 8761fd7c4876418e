// Package tunnel owns local->remote port forwards for a session.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/antonkrylov/xlab/internal/remote"
)

// DefaultMaxProbe is how far above the preferred port Open searches.
const DefaultMaxProbe = 10000

const minUnprivilegedPort = 1024

// NoPortAvailableError reports that no local port in [From, To) was bindable.
type NoPortAvailableError struct {
	From, To int
}

func (e *NoPortAvailableError) Error() string {
	return fmt.Sprintf("no free local port in range %d-%d", e.From, e.To-1)
}

// Handle is an open forward. Close is safe to call more than once.
type Handle struct {
	port       int
	remoteHost string
	remotePort int
	detached   bool

	fwd    remote.Forward
	once   sync.Once
	closed error
}

// Port is the local port the forward listens on.
func (h *Handle) Port() int { return h.port }

// Remote is the forwarded remote address.
func (h *Handle) Remote() string {
	return net.JoinHostPort(h.remoteHost, strconv.Itoa(h.remotePort))
}

// Detached reports whether the forward outlives this process.
func (h *Handle) Detached() bool { return h.detached }

// Close tears the forward down. Detached forwards are left running.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.detached || h.fwd == nil {
			return
		}
		h.closed = h.fwd.Close()
	})
	return h.closed
}

// Manager opens forwards through a transport.
type Manager struct {
	T remote.Transport
	// MaxProbe bounds the port search; DefaultMaxProbe when zero.
	MaxProbe int
	// Bind is the local address probed for free ports; 127.0.0.1 when empty.
	Bind   string
	Logger *slog.Logger
}

// FreePort returns the first bindable port at or above preferred.
func (m *Manager) FreePort(preferred int) (int, error) {
	start := preferred
	if start < minUnprivilegedPort {
		start = minUnprivilegedPort
	}
	limit := m.MaxProbe
	if limit <= 0 {
		limit = DefaultMaxProbe
	}
	end := start + limit
	if end > 65536 {
		end = 65536
	}
	bind := m.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	for port := start; port < end; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}
	return 0, &NoPortAvailableError{From: start, To: end}
}

// Open forwards a free local port at or above preferredLocal to
// remoteHost:remotePort. The caller must Close the handle.
func (m *Manager) Open(ctx context.Context, preferredLocal int, remoteHost string, remotePort int) (*Handle, error) {
	port, err := m.FreePort(preferredLocal)
	if err != nil {
		return nil, err
	}
	fwd, err := m.T.Forward(ctx, port, remoteHost, remotePort)
	if err != nil {
		return nil, fmt.Errorf("forward local port %d to %s:%d: %w", port, remoteHost, remotePort, err)
	}
	m.logger().Info("tunnel open", "local", port, "remote", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)))
	return &Handle{port: port, remoteHost: remoteHost, remotePort: remotePort, fwd: fwd}, nil
}

// ErrDetachUnsupported is returned by OpenDetached for transports that cannot
// leave a forward running.
var ErrDetachUnsupported = errors.New("transport cannot start detached forwards")

// OpenDetached starts a forward that keeps running after this process exits.
func (m *Manager) OpenDetached(ctx context.Context, preferredLocal int, remoteHost string, remotePort int) (*Handle, error) {
	df, ok := m.T.(remote.DetachedForwarder)
	if !ok {
		return nil, ErrDetachUnsupported
	}
	port, err := m.FreePort(preferredLocal)
	if err != nil {
		return nil, err
	}
	fwd, err := df.ForwardDetached(ctx, port, remoteHost, remotePort)
	if err != nil {
		return nil, fmt.Errorf("forward local port %d to %s:%d: %w", port, remoteHost, remotePort, err)
	}
	m.logger().Info("detached tunnel open", "local", port, "remote", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)))
	return &Handle{port: port, remoteHost: remoteHost, remotePort: remotePort, fwd: fwd, detached: true}, nil
}

// Close closes h.
func (m *Manager) Close(h *Handle) error {
	err := h.Close()
	if err != nil {
		m.logger().Warn("tunnel close failed", "local", h.Port(), "err", err)
	}
	return err
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return discardLogger
	}
	return m.Logger
}
