package remote

import (
	"context"
	"errors"
)

// RunOptions tune a single remote command.
type RunOptions struct {
	// Hide suppresses echoing the command output to the local terminal.
	Hide bool
	// Warn returns a Result for non-zero exits instead of an error.
	Warn bool
	Env  map[string]string
}

// Result is the outcome of a remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Forward is an open local->remote port forward.
type Forward interface {
	LocalPort() int
	Close() error
}

// Transport is the capability the orchestrator needs from the remote host.
// Implementations must be safe to call from a single goroutine at a time.
type Transport interface {
	Run(ctx context.Context, cmd string, opts RunOptions) (Result, error)
	Upload(ctx context.Context, content []byte, remotePath string) error
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Forward(ctx context.Context, localPort int, remoteHost string, remotePort int) (Forward, error)
	// User is the remote login name.
	User() string
	// Host is the configured SSH target.
	Host() string
}

// ExitError is returned by Run when the command exits non-zero and Warn is unset.
type ExitError struct {
	Cmd    string
	Result Result
}

func (e *ExitError) Error() string {
	msg := e.Result.Stderr
	if msg == "" {
		msg = e.Result.Stdout
	}
	if msg == "" {
		return "remote command " + quoteForError(e.Cmd) + " failed"
	}
	return "remote command " + quoteForError(e.Cmd) + " failed: " + msg
}

// ErrTransport marks failures to reach the remote host at all, as opposed to a
// command that ran and exited non-zero.
var ErrTransport = errors.New("remote transport failure")

func quoteForError(s string) string {
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return "\"" + s + "\""
}

// DetachedForwarder is implemented by transports that can start a forward
// which survives the calling process.
type DetachedForwarder interface {
	ForwardDetached(ctx context.Context, localPort int, remoteHost string, remotePort int) (Forward, error)
}
