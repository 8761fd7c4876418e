package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// SSH implements Transport by shelling out to the system ssh client so that
// the operator's ~/.ssh/config, agents and jump hosts keep working.
type SSH struct {
	// Target is the ssh destination (alias or user@host).
	Target string
	// LoginUser overrides the remote user name; derived from Target or
	// resolved with `whoami` when empty.
	LoginUser string
	// Args are extra ssh options inserted before the destination.
	Args      []string
	BatchMode bool
	// CompressDownloads asks the remote side to zstd-compress file reads when
	// the zstd binary is available there.
	CompressDownloads bool
	// ConnectTimeout bounds the ssh handshake.
	ConnectTimeout time.Duration

	Logger *slog.Logger
	// Stdout and Stderr receive command output when RunOptions.Hide is false.
	Stdout io.Writer
	Stderr io.Writer

	mu   sync.Mutex
	user string
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// zstd frame magic number, little endian.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ssh exits 255 when it could not establish the connection.
const sshConnectFailure = 255

func (s *SSH) logger() *slog.Logger {
	if s.Logger == nil {
		return discardLogger
	}
	return s.Logger
}

// Host returns the ssh destination.
func (s *SSH) Host() string { return s.Target }

// User returns the remote login name, if known.
func (s *SSH) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != "" {
		return s.user
	}
	if u := strings.TrimSpace(s.LoginUser); u != "" {
		s.user = u
	} else if i := strings.Index(s.Target, "@"); i > 0 {
		s.user = s.Target[:i]
	}
	return s.user
}

// ResolveUser asks the remote host for the login name when it cannot be
// derived from the configuration.
func (s *SSH) ResolveUser(ctx context.Context) (string, error) {
	if u := s.User(); u != "" {
		return u, nil
	}
	res, err := s.Run(ctx, "whoami", RunOptions{Hide: true})
	if err != nil {
		return "", fmt.Errorf("resolve remote user: %w", err)
	}
	u := strings.TrimSpace(res.Stdout)
	if u == "" {
		return "", fmt.Errorf("resolve remote user: empty whoami output")
	}
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	return u, nil
}

func (s *SSH) baseArgs() []string {
	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	args := []string{
		// Reuse TCP connections; polling opens many short sessions.
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=60s",
		"-o", "ControlPath=~/.ssh/xlab-%C",
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(timeout.Seconds())),
	}
	if s.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	return append(args, s.Args...)
}

// Run executes cmd on the remote host through a login shell.
func (s *SSH) Run(ctx context.Context, cmd string, opts RunOptions) (Result, error) {
	if strings.TrimSpace(s.Target) == "" {
		return Result{}, fmt.Errorf("%w: ssh target is required", ErrTransport)
	}
	remoteCmd := applyEnvPrefix(opts.Env) + cmd
	args := append(s.baseArgs(), s.Target, remoteCmd)
	c := exec.CommandContext(ctx, "ssh", args...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if !opts.Hide {
		if s.Stdout != nil {
			c.Stdout = io.MultiWriter(&stdout, s.Stdout)
		}
		if s.Stderr != nil {
			c.Stderr = io.MultiWriter(&stderr, s.Stderr)
		}
	}
	started := time.Now()
	runErr := c.Run()
	res := Result{
		ExitCode: exitCodeFromError(runErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	s.logger().Debug("ssh run",
		"host", s.Target,
		"cmd", cmd,
		"exit", res.ExitCode,
		"elapsed", time.Since(started).Truncate(time.Millisecond),
	)
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return res, fmt.Errorf("%w: ssh %s: %v", ErrTransport, s.Target, runErr)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if res.ExitCode == sshConnectFailure {
			return res, fmt.Errorf("%w: ssh %s: %s", ErrTransport, s.Target, strings.TrimSpace(res.Stderr))
		}
	}
	if res.ExitCode != 0 && !opts.Warn {
		return res, &ExitError{Cmd: cmd, Result: res}
	}
	return res, nil
}

// Upload writes content to remotePath, replacing any existing file.
func (s *SSH) Upload(ctx context.Context, content []byte, remotePath string) error {
	args := append(s.baseArgs(), s.Target, "cat > "+shQuote(remotePath))
	c := exec.CommandContext(ctx, "ssh", args...)
	c.Stdin = bytes.NewReader(content)
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("upload %s:%s: %w\n%s", s.Target, remotePath, err, out)
	}
	s.logger().Debug("ssh upload", "host", s.Target, "path", remotePath, "bytes", len(content))
	return nil
}

// Download returns the contents of remotePath.
func (s *SSH) Download(ctx context.Context, remotePath string) ([]byte, error) {
	q := shQuote(remotePath)
	cmd := "cat -- " + q
	if s.CompressDownloads {
		cmd = "if command -v zstd >/dev/null 2>&1; then zstd -qc -- " + q + "; else cat -- " + q + "; fi"
	}
	args := append(s.baseArgs(), s.Target, cmd)
	c := exec.CommandContext(ctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return nil, fmt.Errorf("download %s:%s: %w\n%s", s.Target, remotePath, err, stderr.Bytes())
	}
	return decodeMaybeZstd(stdout.Bytes())
}

func decodeMaybeZstd(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode zstd download: %w", err)
	}
	return out, nil
}

type sshForward struct {
	localPort int
	proc      *exec.Cmd
	done      chan struct{}
	once      sync.Once
}

func (f *sshForward) LocalPort() int { return f.localPort }

func (f *sshForward) Close() error {
	if f == nil || f.proc == nil || f.proc.Process == nil {
		return nil
	}
	f.once.Do(func() {
		_ = f.proc.Process.Kill()
		<-f.done
	})
	return nil
}

type detachedForward struct{ localPort int }

func (f detachedForward) LocalPort() int { return f.localPort }
func (f detachedForward) Close() error   { return nil }

// Forward starts `ssh -N -L` for localPort -> remoteHost:remotePort and waits
// until the local listener accepts connections.
func (s *SSH) Forward(ctx context.Context, localPort int, remoteHost string, remotePort int) (Forward, error) {
	args := append([]string{"-o", "ExitOnForwardFailure=yes"}, s.baseArgs()...)
	args = append(args,
		"-L", fmt.Sprintf("127.0.0.1:%d:%s:%d", localPort, remoteHost, remotePort),
		"-N", s.Target,
	)
	// Not bound to ctx: the forward outlives the call and is killed by Close.
	fwd := exec.Command("ssh", args...)
	fwd.Stdout = os.Stderr
	fwd.Stderr = os.Stderr
	if err := fwd.Start(); err != nil {
		return nil, fmt.Errorf("start ssh forward: %w", err)
	}
	f := &sshForward{localPort: localPort, proc: fwd, done: make(chan struct{})}
	go func() {
		_ = fwd.Wait()
		close(f.done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := waitForForward(waitCtx, fmt.Sprintf("127.0.0.1:%d", localPort), f.done); err != nil {
		_ = f.Close()
		return nil, err
	}
	s.logger().Info("ssh forward open", "host", s.Target, "local", localPort, "remote", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	return f, nil
}

// ForwardDetached starts a forward that backgrounds itself (`ssh -fN`) and is
// not owned by this process afterwards.
func (s *SSH) ForwardDetached(ctx context.Context, localPort int, remoteHost string, remotePort int) (Forward, error) {
	args := append([]string{"-f", "-o", "ExitOnForwardFailure=yes"}, s.baseArgs()...)
	args = append(args,
		"-L", fmt.Sprintf("127.0.0.1:%d:%s:%d", localPort, remoteHost, remotePort),
		"-N", s.Target,
	)
	c := exec.CommandContext(ctx, "ssh", args...)
	out, err := c.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("start detached ssh forward: %w\n%s", err, out)
	}
	return detachedForward{localPort: localPort}, nil
}

func waitForForward(ctx context.Context, addr string, exited <-chan struct{}) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for forward on %s", addr)
		case <-exited:
			return fmt.Errorf("ssh forward on %s exited early", addr)
		case <-ticker.C:
			c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
			if err == nil {
				_ = c.Close()
				return nil
			}
		}
	}
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func applyEnvPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shQuote(env[k]))
		b.WriteString("; ")
	}
	return b.String()
}

func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string { return shQuote(s) }
