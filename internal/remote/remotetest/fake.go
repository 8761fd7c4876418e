// Package remotetest provides an in-memory remote.Transport for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/antonkrylov/xlab/internal/remote"
)

// HandlerFunc scripts the response to a remote command.
type HandlerFunc func(cmd string) (remote.Result, error)

// Fake is a scripted Transport. Commands are matched against registered
// prefixes (longest wins); unmatched commands succeed with empty output,
// except that `mkdir -p` and `rm -rf` update the in-memory file tree.
type Fake struct {
	UserName string
	HostName string

	// ForwardErr, when set, is returned by Forward.
	ForwardErr error

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	files    map[string][]byte
	dirs     map[string]bool
	calls    []string
	forwards []*Forward
}

// New returns an empty fake for user@host.
func New(user, host string) *Fake {
	return &Fake{
		UserName: user,
		HostName: host,
		handlers: make(map[string]HandlerFunc),
		files:    make(map[string][]byte),
		dirs:     make(map[string]bool),
	}
}

// Handle registers fn for commands starting with prefix.
func (f *Fake) Handle(prefix string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[prefix] = fn
}

// Reply registers a fixed response for commands starting with prefix.
func (f *Fake) Reply(prefix string, res remote.Result) {
	f.Handle(prefix, func(string) (remote.Result, error) { return res, nil })
}

// SetFile stores content at path as if it had been written remotely.
func (f *Fake) SetFile(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), content...)
}

// File returns the stored content at path.
func (f *Fake) File(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	return b, ok
}

// HasDir reports whether a directory was created and not removed.
func (f *Fake) HasDir(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[path]
}

// Calls returns every command passed to Run, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallsWithPrefix counts Run calls whose command starts with prefix.
func (f *Fake) CallsWithPrefix(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Forwards returns every forward opened so far.
func (f *Fake) Forwards() []*Forward {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Forward(nil), f.forwards...)
}

func (f *Fake) User() string { return f.UserName }
func (f *Fake) Host() string { return f.HostName }

func (f *Fake) Run(ctx context.Context, cmd string, opts remote.RunOptions) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	fn := f.matchLocked(cmd)
	f.mu.Unlock()

	var (
		res remote.Result
		err error
	)
	if fn != nil {
		res, err = fn(cmd)
	} else {
		res = f.builtin(cmd)
	}
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 && !opts.Warn {
		return res, &remote.ExitError{Cmd: cmd, Result: res}
	}
	return res, nil
}

func (f *Fake) matchLocked(cmd string) HandlerFunc {
	prefixes := make([]string, 0, len(f.handlers))
	for p := range f.handlers {
		if strings.HasPrefix(cmd, p) {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		return nil
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return f.handlers[prefixes[0]]
}

func (f *Fake) builtin(cmd string) remote.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasPrefix(cmd, "mkdir -p "):
		f.dirs[unquote(strings.TrimPrefix(cmd, "mkdir -p "))] = true
	case strings.HasPrefix(cmd, "rm -rf "):
		path := unquote(strings.TrimPrefix(cmd, "rm -rf "))
		delete(f.dirs, path)
		for k := range f.files {
			if k == path || strings.HasPrefix(k, path+"/") {
				delete(f.files, k)
			}
		}
	}
	return remote.Result{}
}

func (f *Fake) Upload(ctx context.Context, content []byte, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.SetFile(remotePath, content)
	return nil
}

func (f *Fake) Download(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := f.File(remotePath)
	if !ok {
		return nil, fmt.Errorf("download %s: no such file", remotePath)
	}
	return b, nil
}

func (f *Fake) Forward(ctx context.Context, localPort int, remoteHost string, remotePort int) (remote.Forward, error) {
	return f.forward(ctx, localPort, remoteHost, remotePort, false)
}

func (f *Fake) ForwardDetached(ctx context.Context, localPort int, remoteHost string, remotePort int) (remote.Forward, error) {
	return f.forward(ctx, localPort, remoteHost, remotePort, true)
}

func (f *Fake) forward(ctx context.Context, localPort int, remoteHost string, remotePort int, detached bool) (remote.Forward, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.ForwardErr != nil {
		return nil, f.ForwardErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fw := &Forward{Local: localPort, RemoteHost: remoteHost, RemotePort: remotePort, Detached: detached}
	f.forwards = append(f.forwards, fw)
	return fw, nil
}

// Forward records a fake port forward.
type Forward struct {
	Local      int
	RemoteHost string
	RemotePort int
	Detached   bool

	mu     sync.Mutex
	closes int
}

func (f *Forward) LocalPort() int { return f.Local }

func (f *Forward) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Closes reports how many times Close was called.
func (f *Forward) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'"'"'`, "'")
	}
	return s
}
