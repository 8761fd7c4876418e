package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/xlab/internal/batch"
	"github.com/antonkrylov/xlab/internal/endpoint"
	"github.com/antonkrylov/xlab/internal/logging"
	"github.com/antonkrylov/xlab/internal/remote"
	"github.com/antonkrylov/xlab/internal/remote/remotetest"
	"github.com/antonkrylov/xlab/internal/slurm"
	"github.com/antonkrylov/xlab/internal/tunnel"
	"github.com/antonkrylov/xlab/internal/workspace"
)

const (
	testJobName = "jupyter_abcd_20261019"
	testDir     = "/home/alice/xlab_jobs/" + testJobName
	testLog     = testDir + "/notebook.log"
	testPort    = 15123
	squeueHead  = "JOBID PARTITION NAME USER ST TIME NODES NODELIST(REASON)\n"
)

// cluster scripts sbatch and squeue on a fake transport. States are returned
// in order and the last one repeats; once the job reports R the log gets the
// server URL if serve is set.
type cluster struct {
	fake   *remotetest.Fake
	mu     sync.Mutex
	states []string
	serve  bool
	polls  int
}

func newCluster(t *testing.T, states ...string) *cluster {
	t.Helper()
	c := &cluster{fake: remotetest.New("alice", "midway"), states: states, serve: true}
	c.fake.Reply("test -d ", remote.Result{ExitCode: 1})
	c.fake.Reply("sbatch ", remote.Result{Stdout: "Submitted batch job 4242\n"})
	c.fake.Handle("squeue -j ", func(string) (remote.Result, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		st := c.states[len(c.states)-1]
		if c.polls < len(c.states) {
			st = c.states[c.polls]
		}
		c.polls++
		if st == "" {
			return remote.Result{Stdout: squeueHead}, nil
		}
		if st == "R" && c.serve {
			c.fake.SetFile(testLog, []byte("[I 10:00:00 ServerApp] Jupyter Server is running at:\n"+
				"[I 10:00:00 ServerApp] http://midway2-0417:15123/lab?token=abc123\n"))
		}
		return remote.Result{Stdout: squeueHead + "4242 xenon1t " + testJobName + " alice " + st + " 0:05 1 midway2-0417\n"}, nil
	})
	return c
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recorder) warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if !e.Transition && e.Message != "" && e.Level >= slog.LevelWarn {
			out = append(out, e.Message)
		}
	}
	return out
}

func released() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func testOptions() Options {
	spec := batch.JobSpec{CPUs: 2, MemoryMB: 8000}.WithDefaults(batch.Site{Host: "midway", User: "alice"})
	return Options{
		Spec:            spec,
		JobName:         testJobName,
		RemotePort:      testPort,
		StartTimeout:    500 * time.Millisecond,
		EndpointTimeout: 500 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		AttachPoll:      -1,
		CleanupTimeout:  time.Second,
		Release:         released(),
	}
}

func newTestOrchestrator(c *cluster, opts Options, obs Observer) *Orchestrator {
	return New(Env{
		Transport:  c.fake,
		Queue:      &slurm.Client{T: c.fake},
		Workspaces: &workspace.Manager{T: c.fake, RetryDelay: time.Millisecond},
		Observer:   obs,
	}, opts)
}

func TestAttachedSessionHappyPath(t *testing.T) {
	c := newCluster(t, "PD", "PD", "R")
	rec := &recorder{}
	o := newTestOrchestrator(c, testOptions(), rec)

	s, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []State{StatePreparing, StateSubmitted, StateWaitingRunning, StateWaitingEndpoint,
		StateTunneling, StateAttached, StateCancelling, StateCleaningUp, StateDone}
	if len(s.History) != len(want) {
		t.Fatalf("history=%v", s.History)
	}
	for i := range want {
		if s.History[i] != want[i] {
			t.Fatalf("history=%v", s.History)
		}
	}
	if s.JobID != 4242 {
		t.Fatalf("job id=%d", s.JobID)
	}
	if s.Endpoint == nil || s.Endpoint.Host != "midway2-0417" || s.Endpoint.Port != testPort || s.Endpoint.Token != "abc123" {
		t.Fatalf("endpoint=%+v", s.Endpoint)
	}
	fws := c.fake.Forwards()
	if len(fws) != 1 || fws[0].RemoteHost != "midway2-0417" || fws[0].RemotePort != testPort || fws[0].Detached {
		t.Fatalf("forwards=%+v", fws)
	}
	if fws[0].Closes() != 1 {
		t.Fatalf("tunnel closed %d times", fws[0].Closes())
	}
	if n := c.fake.CallsWithPrefix("scancel 4242"); n != 1 {
		t.Fatalf("scancel called %d times", n)
	}
	if c.fake.HasDir(testDir) {
		t.Fatalf("workspace left behind")
	}
	if c.fake.CallsWithPrefix("chmod +x '"+testDir+"/notebook.sbatch'") != 1 {
		t.Fatalf("script not made executable: %v", c.fake.Calls())
	}

	var attached *Event
	for i, e := range rec.events {
		if e.Transition && e.State == StateAttached {
			attached = &rec.events[i]
		}
	}
	if attached == nil {
		t.Fatalf("no ATTACHED event")
	}
	if !strings.HasPrefix(attached.URL, "http://localhost:") || !strings.HasSuffix(attached.URL, "/?token=abc123") {
		t.Fatalf("url=%q", attached.URL)
	}
	if !strings.Contains(attached.Message, "Press ENTER or CTRL-C") {
		t.Fatalf("message=%q", attached.Message)
	}
	for _, e := range rec.events {
		if e.SessionID != s.ID {
			t.Fatalf("event without session id: %+v", e)
		}
	}
}

func TestScriptAndMetadataWritten(t *testing.T) {
	c := newCluster(t, "R")
	opts := testOptions()
	opts.Preserve = true
	s, err := newTestOrchestrator(c, opts, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	script, ok := c.fake.File(testDir + "/notebook.sbatch")
	if !ok {
		t.Fatalf("script not uploaded")
	}
	for _, want := range []string{"#SBATCH --job-name=" + testJobName, "--port=15123", "04:00:00"} {
		if !strings.Contains(string(script), want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
	raw, ok := c.fake.File(testDir + "/" + MetadataFile)
	if !ok {
		t.Fatalf("metadata not written")
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md.JobID != 4242 || md.JobName != testJobName || md.RemoteHost != "midway2-0417" || md.RemotePort != testPort || md.Token != "abc123" {
		t.Fatalf("metadata=%+v", md)
	}
	if !strings.Contains(string(raw), "\n    \"job_id\": 4242") {
		t.Fatalf("metadata not indented:\n%s", raw)
	}
	if !c.fake.HasDir(testDir) || c.fake.CallsWithPrefix("rm -rf") != 0 {
		t.Fatalf("preserved workspace removed")
	}
	if s.Entered(StateCleaningUp) != 1 {
		t.Fatalf("history=%v", s.History)
	}
}

func TestDetachedSessionLeavesJobRunning(t *testing.T) {
	c := newCluster(t, "R")
	opts := testOptions()
	opts.Detached = true
	opts.Release = nil
	s, err := newTestOrchestrator(c, opts, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.State != StateDetached {
		t.Fatalf("state=%s", s.State)
	}
	if s.Entered(StateCancelling) != 0 || s.Entered(StateCleaningUp) != 0 {
		t.Fatalf("teardown ran: %v", s.History)
	}
	if c.fake.CallsWithPrefix("scancel") != 0 || c.fake.CallsWithPrefix("rm -rf") != 0 {
		t.Fatalf("calls=%v", c.fake.Calls())
	}
	fws := c.fake.Forwards()
	if len(fws) != 1 || !fws[0].Detached || fws[0].Closes() != 0 {
		t.Fatalf("forwards=%+v", fws)
	}
	if s.LocalURL() == "" {
		t.Fatalf("no local url")
	}
}

func TestStartTimeoutCancelsJob(t *testing.T) {
	c := newCluster(t, "PD")
	opts := testOptions()
	opts.StartTimeout = 50 * time.Millisecond
	start := time.Now()
	s, err := newTestOrchestrator(c, opts, nil).Run(context.Background())
	elapsed := time.Since(start)

	var te *PollTimeoutError
	if !errors.As(err, &te) || te.Phase != StateWaitingRunning {
		t.Fatalf("expected start timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "did not start within") {
		t.Fatalf("message=%q", err)
	}
	if elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if s.State != StateFailed || s.Entered(StateCleaningUp) != 1 {
		t.Fatalf("history=%v", s.History)
	}
	if c.fake.CallsWithPrefix("scancel 4242") != 1 {
		t.Fatalf("job not cancelled: %v", c.fake.Calls())
	}
	if c.fake.HasDir(testDir) {
		t.Fatalf("workspace left behind")
	}
}

func TestStartTimeoutWithDefaultWorkspaceManager(t *testing.T) {
	c := newCluster(t, "PD")
	opts := testOptions()
	opts.StartTimeout = 100 * time.Millisecond
	opts.PollInterval = 50 * time.Millisecond
	o := New(Env{Transport: c.fake, Queue: &slurm.Client{T: c.fake}}, opts)
	start := time.Now()
	s, err := o.Run(context.Background())
	elapsed := time.Since(start)

	var te *PollTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected start timeout, got %v", err)
	}
	// A successful first removal must not wait for the retry delay.
	if elapsed >= workspace.DefaultRetryDelay {
		t.Fatalf("teardown took %s", elapsed)
	}
	if s.State != StateFailed || len(s.Warnings) != 0 {
		t.Fatalf("state=%s warnings=%v", s.State, s.Warnings)
	}
	if n := c.fake.CallsWithPrefix("rm -rf"); n != 1 {
		t.Fatalf("rm calls=%d", n)
	}
	if c.fake.HasDir(testDir) {
		t.Fatalf("workspace left behind")
	}
}

func TestJobCancelledBeforeStart(t *testing.T) {
	c := newCluster(t, "PD", "CA")
	s, err := newTestOrchestrator(c, testOptions(), nil).Run(context.Background())
	var je *JobTerminatedError
	if !errors.As(err, &je) || je.State != slurm.StateCancelled {
		t.Fatalf("expected JobTerminatedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "cancelled before it started") {
		t.Fatalf("message=%q", err)
	}
	if c.fake.CallsWithPrefix("scancel") != 0 {
		t.Fatalf("cancelled a job that is already gone")
	}
	if s.State != StateFailed || s.Entered(StateCancelling) != 1 || s.Entered(StateCleaningUp) != 1 {
		t.Fatalf("history=%v", s.History)
	}
}

func TestUnknownStateNeedsConfirmation(t *testing.T) {
	c := newCluster(t, "PD", "", "R")
	s, err := newTestOrchestrator(c, testOptions(), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("a single missing row should not end the session: %v", err)
	}
	if s.State != StateDone {
		t.Fatalf("state=%s", s.State)
	}

	c = newCluster(t, "PD", "", "")
	_, err = newTestOrchestrator(c, testOptions(), nil).Run(context.Background())
	var je *JobTerminatedError
	if !errors.As(err, &je) || je.State != slurm.StateUnknown {
		t.Fatalf("expected JobTerminatedError, got %v", err)
	}
}

func TestJobExitsWhileWaitingForEndpoint(t *testing.T) {
	c := newCluster(t, "R", "CD")
	c.serve = false
	s, err := newTestOrchestrator(c, testOptions(), nil).Run(context.Background())
	var je *JobTerminatedError
	if !errors.As(err, &je) || je.Phase != StateWaitingEndpoint {
		t.Fatalf("expected JobTerminatedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "cancelled or hit an internal error") {
		t.Fatalf("message=%q", err)
	}
	if s.Endpoint != nil || s.Tunnel != nil {
		t.Fatalf("endpoint=%v tunnel=%v", s.Endpoint, s.Tunnel)
	}
	if c.fake.CallsWithPrefix("scancel") != 0 {
		t.Fatalf("cancelled a finished job")
	}
}

func TestUnknownStateConfirmedWhileWaitingForEndpoint(t *testing.T) {
	c := newCluster(t, "R", "", "")
	c.serve = false
	s, err := newTestOrchestrator(c, testOptions(), nil).Run(context.Background())
	var je *JobTerminatedError
	if !errors.As(err, &je) || je.Phase != StateWaitingEndpoint || je.State != slurm.StateUnknown {
		t.Fatalf("expected JobTerminatedError while waiting for the endpoint, got %v", err)
	}
	if s.State != StateFailed || s.Entered(StateTunneling) != 0 {
		t.Fatalf("history=%v", s.History)
	}
	if c.fake.CallsWithPrefix("scancel") != 0 {
		t.Fatalf("cancelled a job that is already gone")
	}
}

func TestEndpointTimeout(t *testing.T) {
	c := newCluster(t, "R")
	c.serve = false
	opts := testOptions()
	opts.EndpointTimeout = 30 * time.Millisecond
	_, err := newTestOrchestrator(c, opts, nil).Run(context.Background())
	var te *PollTimeoutError
	if !errors.As(err, &te) || te.Phase != StateWaitingEndpoint {
		t.Fatalf("expected endpoint timeout, got %v", err)
	}
	if c.fake.CallsWithPrefix("scancel 4242") != 1 {
		t.Fatalf("job not cancelled")
	}
}

func TestSubmissionFailureRemovesWorkspace(t *testing.T) {
	c := newCluster(t, "R")
	c.fake.Reply("sbatch ", remote.Result{ExitCode: 1, Stderr: "sbatch: error: invalid partition specified"})
	s, err := newTestOrchestrator(c, testOptions(), nil).Run(context.Background())
	var se *slurm.SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if s.JobID != 0 || c.fake.CallsWithPrefix("scancel") != 0 {
		t.Fatalf("cancel attempted without a job")
	}
	if c.fake.HasDir(testDir) || s.Entered(StateCleaningUp) != 1 {
		t.Fatalf("workspace not cleaned up: %v", s.History)
	}
}

func TestTemplateErrorBeforeAnyRemoteWork(t *testing.T) {
	c := newCluster(t, "R")
	opts := testOptions()
	opts.Spec.WallTime = "soon"
	s, err := newTestOrchestrator(c, opts, nil).Run(context.Background())
	if !batch.IsTemplateError(err) {
		t.Fatalf("expected TemplateError, got %v", err)
	}
	if len(c.fake.Calls()) != 0 {
		t.Fatalf("remote calls=%v", c.fake.Calls())
	}
	if s.State != StateFailed {
		t.Fatalf("state=%s", s.State)
	}
}

func TestNoFreeLocalPortCancelsJob(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	c := newCluster(t, "R")
	opts := testOptions()
	opts.LocalPort = busy
	o := New(Env{
		Transport:  c.fake,
		Queue:      &slurm.Client{T: c.fake},
		Tunnels:    &tunnel.Manager{T: c.fake, MaxProbe: 1},
		Workspaces: &workspace.Manager{T: c.fake, RetryDelay: time.Millisecond},
	}, opts)
	s, err := o.Run(context.Background())
	var ne *tunnel.NoPortAvailableError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NoPortAvailableError, got %v", err)
	}
	if c.fake.CallsWithPrefix("scancel 4242") != 1 || c.fake.HasDir(testDir) {
		t.Fatalf("teardown incomplete: %v", c.fake.Calls())
	}
	if s.State != StateFailed {
		t.Fatalf("state=%s", s.State)
	}
}

func TestInterruptInEveryPhase(t *testing.T) {
	cases := []struct {
		at   State
		want State
	}{
		{StatePreparing, StateFailed},
		{StateSubmitted, StateFailed},
		{StateWaitingRunning, StateFailed},
		{StateWaitingEndpoint, StateFailed},
		{StateTunneling, StateFailed},
		{StateAttached, StateDone},
	}
	for _, tc := range cases {
		t.Run(tc.at.String(), func(t *testing.T) {
			c := newCluster(t, "R")
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			rec := &recorder{hook: func(e Event) {
				if e.Transition && e.State == tc.at {
					cancel()
				}
			}}
			opts := testOptions()
			opts.Release = nil
			s, err := newTestOrchestrator(c, opts, rec).Run(ctx)
			if s.State != tc.want {
				t.Fatalf("state=%s err=%v history=%v", s.State, err, s.History)
			}
			if tc.want == StateFailed && !errors.Is(err, context.Canceled) {
				t.Fatalf("err=%v", err)
			}
			if tc.want == StateDone && err != nil {
				t.Fatalf("err=%v", err)
			}
			if s.Entered(StateCancelling) != 1 || s.Entered(StateCleaningUp) != 1 {
				t.Fatalf("history=%v", s.History)
			}
			if s.JobID != 0 && c.fake.CallsWithPrefix("scancel 4242") != 1 {
				t.Fatalf("submitted job not cancelled: %v", c.fake.Calls())
			}
			if c.fake.HasDir(testDir) {
				t.Fatalf("workspace left behind")
			}
			for _, fw := range c.fake.Forwards() {
				if fw.Closes() != 1 {
					t.Fatalf("forward closed %d times", fw.Closes())
				}
			}
		})
	}
}

func TestJobDiesWhileAttached(t *testing.T) {
	c := newCluster(t, "R", "R", "CD")
	opts := testOptions()
	opts.Release = nil
	opts.AttachPoll = 5 * time.Millisecond
	rec := &recorder{}
	s, err := newTestOrchestrator(c, opts, rec).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.State != StateDone {
		t.Fatalf("state=%s", s.State)
	}
	if c.fake.CallsWithPrefix("scancel") != 0 {
		t.Fatalf("cancelled a finished job")
	}
	if len(rec.warnings()) == 0 {
		t.Fatalf("no warning about the finished job")
	}
}

func TestCancelFailureIsWarning(t *testing.T) {
	c := newCluster(t, "R")
	c.fake.Reply("scancel ", remote.Result{ExitCode: 1, Stderr: "scancel: error: Access/permission denied"})
	s, err := newTestOrchestrator(c, testOptions(), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("teardown failure must not fail the session: %v", err)
	}
	if s.State != StateDone {
		t.Fatalf("state=%s", s.State)
	}
	found := false
	for _, w := range s.Warnings {
		if strings.Contains(w, "Please cancel it manually. Job ID: 4242") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings=%v", s.Warnings)
	}
}

func TestCleanupFailureIsWarning(t *testing.T) {
	c := newCluster(t, "R")
	c.fake.Reply("rm -rf ", remote.Result{ExitCode: 1, Stderr: "Device or resource busy"})
	s, err := newTestOrchestrator(c, testOptions(), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(s.Warnings) != 1 || !strings.Contains(s.Warnings[0], testDir) {
		t.Fatalf("warnings=%v", s.Warnings)
	}
	if c.fake.CallsWithPrefix("rm -rf") != workspace.DefaultRemoveAttempts {
		t.Fatalf("rm calls=%d", c.fake.CallsWithPrefix("rm -rf"))
	}
}

func TestReservationDowngradeWarns(t *testing.T) {
	c := newCluster(t, "R")
	c.fake.Reply("scontrol show reservations", remote.Result{Stdout: "ReservationName=xenon_notebook StartTime=...\n"})
	opts := testOptions()
	opts.Reservation = batch.DefaultNotebookReservation()
	opts.Spec.MemoryMB = 32000
	s, err := newTestOrchestrator(c, opts, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Spec.Reservation != "" || len(s.Warnings) == 0 {
		t.Fatalf("reservation=%q warnings=%v", s.Spec.Reservation, s.Warnings)
	}

	c = newCluster(t, "R")
	c.fake.Reply("scontrol show reservations", remote.Result{Stdout: "ReservationName=xenon_notebook StartTime=...\n"})
	opts = testOptions()
	opts.Reservation = batch.DefaultNotebookReservation()
	opts.Preserve = true
	s, err = newTestOrchestrator(c, opts, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Spec.Reservation != "xenon_notebook" {
		t.Fatalf("reservation=%q", s.Spec.Reservation)
	}
	script, _ := c.fake.File(testDir + "/notebook.sbatch")
	if !strings.Contains(string(script), "#SBATCH --reservation=xenon_notebook") {
		t.Fatalf("script has no reservation line:\n%s", script)
	}
}

func TestLogRecordsCarrySessionAndPhase(t *testing.T) {
	c := newCluster(t, "PD", "R")
	var buf bytes.Buffer
	o := New(Env{
		Transport:  c.fake,
		Queue:      &slurm.Client{T: c.fake},
		Workspaces: &workspace.Manager{T: c.fake, RetryDelay: time.Millisecond},
		Logger:     logging.New(&buf, "debug"),
	}, testOptions())
	s, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"session_id":"` + s.ID + `"`, `"phase":"WAITING_RUNNING"`, `"phase":"DONE"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s:\n%s", want, out)
		}
	}
}

func TestRunTwice(t *testing.T) {
	c := newCluster(t, "R")
	o := newTestOrchestrator(c, testOptions(), nil)
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := o.Run(context.Background()); err == nil {
		t.Fatalf("second run should fail")
	}
}

func TestSetEndpointOnce(t *testing.T) {
	s := &Session{}
	if err := s.SetEndpoint(endpoint.Endpoint{Host: "n1", Port: 1}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.SetEndpoint(endpoint.Endpoint{Host: "n2", Port: 2}); !errors.Is(err, ErrEndpointAlreadySet) {
		t.Fatalf("second: %v", err)
	}
	if s.Endpoint.Host != "n1" {
		t.Fatalf("endpoint replaced: %+v", s.Endpoint)
	}
}

func TestNewJobName(t *testing.T) {
	name := NewJobName(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	parts := strings.Split(name, "_")
	if len(parts) != 3 || parts[0] != "jupyter" || len(parts[1]) != 4 || parts[2] != "20261019" {
		t.Fatalf("name=%q", name)
	}
	for _, r := range parts[1] {
		if r < 'a' || r > 'z' {
			t.Fatalf("name=%q", name)
		}
	}
}

func TestDefaultRemotePortRange(t *testing.T) {
	var o Options
	o.setDefaults("alice", time.Now())
	if o.RemotePort < remotePortMin || o.RemotePort >= remotePortMax {
		t.Fatalf("port=%d", o.RemotePort)
	}
	if o.JobsDir != "/home/alice/xlab_jobs" || o.LocalPort != DefaultLocalPort {
		t.Fatalf("options=%+v", o)
	}
}
