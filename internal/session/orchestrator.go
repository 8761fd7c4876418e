// Package session drives one remote interactive session: render and submit a
// batch job, wait for it to run, discover the service it starts, tunnel to it
// and tear everything down again.
//
// The orchestrator is a single-goroutine state machine:
//
//	PREPARING -> SUBMITTED -> WAITING_RUNNING -> WAITING_ENDPOINT -> TUNNELING
//	  -> ATTACHED -> CANCELLING -> CLEANING_UP -> DONE
//	  -> DETACHED
//
// A failure or an interrupt through ctx before ATTACHED goes through
// CANCELLING and CLEANING_UP exactly once and ends in FAILED; leaving an
// attached session the same way ends in DONE. Presentation
// lives in Observers; the orchestrator only emits events.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/xlab/internal/batch"
	"github.com/antonkrylov/xlab/internal/endpoint"
	"github.com/antonkrylov/xlab/internal/logging"
	"github.com/antonkrylov/xlab/internal/remote"
	"github.com/antonkrylov/xlab/internal/slurm"
	"github.com/antonkrylov/xlab/internal/tunnel"
	"github.com/antonkrylov/xlab/internal/workspace"
)

const (
	DefaultStartTimeout    = 120 * time.Second
	DefaultEndpointTimeout = 120 * time.Second
	DefaultPollInterval    = time.Second
	DefaultAttachPoll      = 30 * time.Second
	DefaultCleanupTimeout  = 2 * time.Minute
	DefaultLocalPort       = 8888

	remotePortMin = 15000
	remotePortMax = 20000

	scriptName = "notebook.sbatch"
	logName    = "notebook.log"
)

// Queue is the scheduler capability the orchestrator needs.
type Queue interface {
	Submit(ctx context.Context, scriptPath string) (slurm.JobID, error)
	Status(ctx context.Context, id slurm.JobID) (slurm.JobState, error)
	Cancel(ctx context.Context, id slurm.JobID) error
}

// ReservationChecker is optionally implemented by a Queue.
type ReservationChecker interface {
	ReservationExists(ctx context.Context, name string) (bool, error)
}

// Env carries the collaborators of one session. It replaces any process-wide
// console or connection state; build one per run.
type Env struct {
	Transport  remote.Transport
	Queue      Queue
	Tunnels    *tunnel.Manager
	Workspaces *workspace.Manager
	Observer   Observer
	Logger     *slog.Logger
}

// Options configure a session run.
type Options struct {
	Spec batch.JobSpec
	// Reservation is applied when the job is eligible; zero value disables it.
	Reservation batch.ReservationPolicy

	// JobsDir is the remote parent of the per-session workspace.
	JobsDir string
	// JobName is generated when empty.
	JobName string
	// RemotePort is the service port inside the job; random when zero.
	RemotePort int
	// LocalPort is the preferred local tunnel port.
	LocalPort int

	StartTimeout    time.Duration
	EndpointTimeout time.Duration
	PollInterval    time.Duration
	// AttachPoll is how often the job is checked while attached; negative
	// disables the check.
	AttachPoll     time.Duration
	CleanupTimeout time.Duration

	// Detached returns right after the tunnel is up and leaves the job running.
	Detached bool
	// Preserve keeps the remote workspace at teardown.
	Preserve bool
	// Release is closed (or receives) when the operator ends an attached
	// session. Nil waits for ctx only.
	Release <-chan struct{}
}

func (o *Options) setDefaults(user string, now time.Time) {
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.EndpointTimeout <= 0 {
		o.EndpointTimeout = DefaultEndpointTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.AttachPoll == 0 {
		o.AttachPoll = DefaultAttachPoll
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	if o.LocalPort <= 0 {
		o.LocalPort = DefaultLocalPort
	}
	if o.RemotePort <= 0 {
		o.RemotePort = remotePortMin + rand.IntN(remotePortMax-remotePortMin)
	}
	if o.JobName == "" {
		o.JobName = NewJobName(now)
	}
	if o.JobsDir == "" {
		o.JobsDir = "/home/" + user + "/xlab_jobs"
	}
}

// NewJobName returns jupyter_<4 random letters>_<YYYYMMDD>.
func NewJobName(now time.Time) string {
	id := uuid.New()
	var b strings.Builder
	for _, c := range id[:4] {
		b.WriteByte('a' + c%26)
	}
	return fmt.Sprintf("jupyter_%s_%s", b.String(), now.Format("20060102"))
}

// Orchestrator runs one session. It is not reusable and not safe for
// concurrent use.
type Orchestrator struct {
	env  Env
	opts Options
	sess *Session
	log  *slog.Logger

	started atomic.Bool
	// terminated is set when the job is known to be gone and needs no cancel.
	terminated bool
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// New prepares an orchestrator. Nothing touches the remote host until Run.
func New(env Env, opts Options) *Orchestrator {
	if env.Observer == nil {
		env.Observer = nopObserver{}
	}
	if env.Logger == nil {
		env.Logger = discardLogger
	}
	if env.Tunnels == nil {
		env.Tunnels = &tunnel.Manager{T: env.Transport, Logger: env.Logger}
	}
	if env.Workspaces == nil {
		env.Workspaces = &workspace.Manager{T: env.Transport, Logger: env.Logger}
	}
	opts.setDefaults(env.Transport.User(), time.Now())
	id := uuid.NewString()
	dir := strings.TrimRight(opts.JobsDir, "/") + "/" + opts.JobName
	return &Orchestrator{
		env:  env,
		opts: opts,
		log:  logging.WithSession(env.Logger, id).With("job_name", opts.JobName),
		sess: &Session{
			ID:         id,
			Spec:       opts.Spec,
			Files:      batch.NewJobFiles(opts.JobName, dir, scriptName, logName),
			RemotePort: opts.RemotePort,
			State:      StatePreparing,
		},
	}
}

// Session exposes the session being driven.
func (o *Orchestrator) Session() *Session { return o.sess }

// Run drives the session to DONE, DETACHED or FAILED. The returned error is
// the cause of a FAILED session; teardown problems are reported as warnings
// on the session and through the observer, never as the error.
func (o *Orchestrator) Run(ctx context.Context) (*Session, error) {
	if !o.started.CompareAndSwap(false, true) {
		return o.sess, errors.New("session orchestrator already ran")
	}
	o.enter(StatePreparing, "Preparing batch job "+o.opts.JobName)

	if err := o.setup(ctx); err != nil {
		o.teardown(ctx, err)
		return o.sess, o.sess.Err
	}
	if o.opts.Detached {
		s := o.sess
		msg := fmt.Sprintf("You can access the notebook at\n%s\nJob %s keeps running; cancel it with `scancel %s` and remove %s when done.",
			s.LocalURL(), s.JobID, s.JobID, s.Files.Dir)
		o.transition(Event{State: StateDetached, Message: msg, URL: s.LocalURL()})
		return o.sess, nil
	}
	o.attach(ctx)
	o.teardown(ctx, nil)
	return o.sess, o.sess.Err
}

func (o *Orchestrator) setup(ctx context.Context) error {
	s := o.sess
	spec, err := o.prepare(ctx)
	if err != nil {
		return err
	}
	s.Spec = spec

	id, err := o.env.Queue.Submit(ctx, s.Files.ScriptPath)
	if err != nil {
		return err
	}
	s.JobID = id
	o.log = o.log.With("job_id", int64(id))
	o.enter(StateSubmitted, fmt.Sprintf("Submitted job with ID: %s", id))

	o.enter(StateWaitingRunning, "Waiting for your job to start")
	if err := o.waitRunning(ctx); err != nil {
		return err
	}

	o.enter(StateWaitingEndpoint, "Job started. Waiting for jupyter server to start")
	ep, err := o.waitEndpoint(ctx)
	if err != nil {
		return err
	}
	if err := s.SetEndpoint(ep); err != nil {
		return err
	}
	o.writeMetadata(ctx)

	o.enter(StateTunneling, fmt.Sprintf("Forwarding remote address %s to local port %d", ep, o.opts.LocalPort))
	var h *tunnel.Handle
	if o.opts.Detached {
		h, err = o.env.Tunnels.OpenDetached(ctx, o.opts.LocalPort, ep.Host, ep.Port)
	} else {
		h, err = o.env.Tunnels.Open(ctx, o.opts.LocalPort, ep.Host, ep.Port)
	}
	if err != nil {
		return err
	}
	s.Tunnel = h
	return nil
}

// prepare renders the script and lays out the workspace.
func (o *Orchestrator) prepare(ctx context.Context) (batch.JobSpec, error) {
	s := o.sess
	spec := s.Spec
	if o.opts.Reservation.Wants(spec) {
		available := false
		if rc, ok := o.env.Queue.(ReservationChecker); ok && o.opts.Reservation.MaxCPUs >= spec.CPUs && o.opts.Reservation.MaxMemoryMB >= spec.MemoryMB {
			exists, err := rc.ReservationExists(ctx, o.opts.Reservation.Name)
			if err != nil {
				o.warn(fmt.Sprintf("could not check reservation %s: %v", o.opts.Reservation.Name, err))
			}
			available = exists
		}
		var warnings []string
		spec, warnings = batch.ApplyReservation(spec, o.opts.Reservation, available)
		for _, w := range warnings {
			o.warn(w)
		}
	}

	script, err := batch.JupyterScript(spec, s.Files, s.RemotePort)
	if err != nil {
		return spec, err
	}
	ws, err := o.env.Workspaces.Create(ctx, s.Files.Dir)
	if err != nil {
		return spec, err
	}
	s.Workspace = ws
	if _, err := o.env.Workspaces.WriteFile(ctx, ws, logName, nil); err != nil {
		return spec, err
	}
	if _, err := o.env.Workspaces.WriteFile(ctx, ws, scriptName, []byte(script)); err != nil {
		return spec, err
	}
	if err := o.env.Workspaces.MakeExecutable(ctx, ws, scriptName); err != nil {
		return spec, err
	}
	return spec, nil
}

// waitRunning polls the queue until the job runs. UNKNOWN is confirmed by
// one more poll before it counts as the job having vanished.
func (o *Orchestrator) waitRunning(ctx context.Context) error {
	s := o.sess
	unknown := 0
	return o.poll(ctx, StateWaitingRunning, o.opts.StartTimeout, func() (bool, error) {
		st, err := o.env.Queue.Status(ctx, s.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			o.log.Warn("queue status failed", "err", err)
			return false, nil
		}
		s.JobState = st
		switch {
		case st == slurm.StateRunning:
			return true, nil
		case st.Terminal():
			o.terminated = true
			return false, &JobTerminatedError{Phase: StateWaitingRunning, JobID: s.JobID, State: st}
		case st == slurm.StateUnknown:
			unknown++
			if unknown > 1 {
				o.terminated = true
				return false, &JobTerminatedError{Phase: StateWaitingRunning, JobID: s.JobID, State: st}
			}
		default:
			unknown = 0
		}
		return false, nil
	})
}

// waitEndpoint re-reads the job log until the service URL shows up, checking
// that the job is still alive whenever it has not.
func (o *Orchestrator) waitEndpoint(ctx context.Context) (endpoint.Endpoint, error) {
	s := o.sess
	var found endpoint.Endpoint
	unknown := 0
	err := o.poll(ctx, StateWaitingEndpoint, o.opts.EndpointTimeout, func() (bool, error) {
		data, err := o.env.Transport.Download(ctx, s.Files.LogPath)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			o.log.Warn("log download failed", "path", s.Files.LogPath, "err", err)
		} else if ep, ok := endpoint.ScanText(string(data), s.RemotePort); ok {
			found = ep
			return true, nil
		}

		st, err := o.env.Queue.Status(ctx, s.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			o.log.Warn("queue status failed", "err", err)
			return false, nil
		}
		s.JobState = st
		switch {
		case st.Terminal():
			o.terminated = true
			return false, &JobTerminatedError{Phase: StateWaitingEndpoint, JobID: s.JobID, State: st}
		case st == slurm.StateUnknown:
			unknown++
			if unknown > 1 {
				o.terminated = true
				return false, &JobTerminatedError{Phase: StateWaitingEndpoint, JobID: s.JobID, State: st}
			}
		default:
			unknown = 0
		}
		return false, nil
	})
	return found, err
}

// poll calls check immediately and then once per PollInterval until it
// reports done, fails, ctx ends or timeout elapses.
func (o *Orchestrator) poll(ctx context.Context, phase State, timeout time.Duration, check func() (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			logging.WithPhase(o.log, phase.String()).Warn("phase timed out", "timeout", timeout)
			return &PollTimeoutError{Phase: phase, JobID: o.sess.JobID, Timeout: timeout}
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) writeMetadata(ctx context.Context) {
	s := o.sess
	md, err := s.Metadata()
	if err == nil {
		var data []byte
		data, err = md.MarshalIndent()
		if err == nil {
			_, err = o.env.Workspaces.WriteFile(ctx, s.Workspace, MetadataFile, data)
		}
	}
	if err != nil {
		o.warn(fmt.Sprintf("could not write server details: %v", err))
		return
	}
	o.log.Info("server details saved", "path", s.Workspace.File(MetadataFile))
}

// attach blocks until the operator releases the session, ctx is cancelled
// or the job dies underneath the tunnel. None of these is an error.
func (o *Orchestrator) attach(ctx context.Context) {
	s := o.sess
	o.transition(Event{
		State:   StateAttached,
		Message: fmt.Sprintf("You can access the notebook at\n%s\nPress ENTER or CTRL-C to deactivate and cancel job.", s.LocalURL()),
		URL:     s.LocalURL(),
	})

	var tick <-chan time.Time
	if o.opts.AttachPoll > 0 {
		t := time.NewTicker(o.opts.AttachPoll)
		defer t.Stop()
		tick = t.C
	}
	unknown := 0
	for {
		select {
		case <-ctx.Done():
			o.log.Info("interrupt received while attached")
			o.info("Interrupt received.")
			return
		case <-o.opts.Release:
			o.info("Deactivating port forwarding")
			return
		case <-tick:
			st, err := o.env.Queue.Status(ctx, s.JobID)
			if err != nil {
				o.log.Warn("queue status failed while attached", "err", err)
				continue
			}
			s.JobState = st
			if st == slurm.StateUnknown {
				unknown++
			} else {
				unknown = 0
			}
			if st.Terminal() || unknown > 1 {
				o.terminated = true
				o.warn(fmt.Sprintf("job %s is no longer running (%s); closing session", s.JobID, st))
				return
			}
		}
	}
}

// teardown runs CANCELLING and CLEANING_UP exactly once. It uses its own
// deadline so it still runs after ctx was cancelled by an interrupt.
func (o *Orchestrator) teardown(ctx context.Context, cause error) {
	s := o.sess
	if cause != nil {
		if errors.Is(cause, context.Canceled) {
			cause = fmt.Errorf("interrupted while %s: %w", s.State, cause)
		}
		s.Err = cause
		o.emit(Event{State: s.State, Level: slog.LevelError, Message: cause.Error(), Err: cause})
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CleanupTimeout)
	defer cancel()

	o.enter(StateCancelling, "Canceling job")
	if s.Tunnel != nil {
		if err := o.env.Tunnels.Close(s.Tunnel); err != nil {
			o.warn(fmt.Sprintf("closing tunnel on local port %d: %v", s.Tunnel.Port(), err))
		}
	}
	switch {
	case s.JobID == 0:
	case o.terminated:
		o.log.Info("job already gone, skipping cancel")
	default:
		if err := o.env.Queue.Cancel(tctx, s.JobID); err != nil {
			o.warn(fmt.Sprintf("Could not cancel job. Please cancel it manually. Job ID: %s (%v)", s.JobID, err))
		} else {
			s.JobState = slurm.StateCancelled
			o.info("Job canceled")
		}
	}

	o.enter(StateCleaningUp, "Cleaning up job files")
	switch {
	case s.Workspace == nil:
	case o.opts.Preserve:
		o.info("Keeping job folder " + s.Workspace.Path)
	default:
		if err := o.env.Workspaces.Remove(tctx, s.Workspace); err != nil {
			o.warn(err.Error())
		} else {
			o.info("Job folder removed")
		}
	}

	if s.Err != nil {
		o.enter(StateFailed, s.Err.Error())
		return
	}
	o.enter(StateDone, "Goodbye!")
}

func (o *Orchestrator) enter(st State, msg string) {
	o.transition(Event{State: st, Message: msg})
}

func (o *Orchestrator) transition(e Event) {
	s := o.sess
	s.State = e.State
	s.History = append(s.History, e.State)
	logging.WithPhase(o.log, e.State.String()).Debug("entered phase")
	e.Transition = true
	e.Level = slog.LevelInfo
	if e.State == StateFailed {
		e.Level = slog.LevelError
		e.Err = s.Err
	}
	o.emit(e)
}

func (o *Orchestrator) info(msg string) {
	o.emit(Event{State: o.sess.State, Level: slog.LevelInfo, Message: msg})
}

func (o *Orchestrator) warn(msg string) {
	o.sess.Warnings = append(o.sess.Warnings, msg)
	o.log.Warn(msg, "state", o.sess.State.String())
	o.emit(Event{State: o.sess.State, Level: slog.LevelWarn, Message: msg})
}

func (o *Orchestrator) emit(e Event) {
	e.SessionID = o.sess.ID
	e.JobID = o.sess.JobID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.env.Observer.OnEvent(e)
}
