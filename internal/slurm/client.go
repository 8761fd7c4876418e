// Package slurm adapts the Slurm command line (sbatch, squeue, scancel) to a
// small queue client running over a remote.Transport. Nothing here retries;
// callers own their polling and retry policy.
package slurm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antonkrylov/xlab/internal/remote"
)

// JobID is the scheduler-assigned job identifier.
type JobID int64

func (id JobID) String() string { return strconv.FormatInt(int64(id), 10) }

// JobState is the coarse state of a job as seen in the queue.
type JobState int

const (
	StateUnknown JobState = iota
	StatePending
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the job can no longer reach RUNNING.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// ParseState maps squeue short and long state codes onto JobState.
func ParseState(code string) JobState {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "PD", "PENDING", "CF", "CONFIGURING", "RQ", "REQUEUED", "RS", "RESIZING", "S", "SUSPENDED":
		return StatePending
	case "R", "RUNNING", "CG", "COMPLETING":
		return StateRunning
	case "CD", "COMPLETED":
		return StateCompleted
	// A bare "C" has always been reported as a cancellation by this tooling.
	case "CA", "CANCELLED", "C":
		return StateCancelled
	case "F", "FAILED", "TO", "TIMEOUT", "NF", "NODE_FAIL", "OOM", "OUT_OF_MEMORY",
		"PR", "PREEMPTED", "BF", "BOOT_FAIL", "DL", "DEADLINE":
		return StateFailed
	default:
		return StateUnknown
	}
}

// SubmissionError reports that the scheduler rejected a job.
type SubmissionError struct {
	Script   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *SubmissionError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("could not submit batch job %s: %s", e.Script, msg)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Scheduler messages meaning the job id is no longer known.
var goneMarkers = []string{
	"invalid job id",
	"already completing or completed",
	"job has already finished",
	"does not exist",
}

func isGone(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, m := range goneMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Client talks to Slurm over a transport.
type Client struct {
	T remote.Transport
	// Env is exported to sbatch, e.g. INSTALL_CUTAX=0.
	Env map[string]string
}

// Submit submits the script at scriptPath and returns the assigned id.
func (c *Client) Submit(ctx context.Context, scriptPath string) (JobID, error) {
	res, err := c.T.Run(ctx, "sbatch "+remote.Quote(scriptPath), remote.RunOptions{Hide: true, Warn: true, Env: c.Env})
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		return 0, &SubmissionError{Script: scriptPath, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	id, err := parseSubmitOutput(res.Stdout)
	if err != nil {
		return 0, &SubmissionError{Script: scriptPath, Stderr: res.Stderr, Err: err}
	}
	return id, nil
}

// parseSubmitOutput accepts "Submitted batch job 123" and --parsable output
// ("123" or "123;cluster").
func parseSubmitOutput(stdout string) (JobID, error) {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return 0, fmt.Errorf("sbatch printed no job id")
	}
	last := fields[len(fields)-1]
	if i := strings.IndexByte(last, ';'); i >= 0 {
		last = last[:i]
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sbatch output %q has no job id", strings.TrimSpace(stdout))
	}
	return JobID(n), nil
}

// Status returns the state of id. A job missing from the listing is
// StateUnknown; only transport failures return an error.
func (c *Client) Status(ctx context.Context, id JobID) (JobState, error) {
	res, err := c.T.Run(ctx, "squeue -j "+id.String(), remote.RunOptions{Hide: true, Warn: true})
	if err != nil {
		return StateUnknown, err
	}
	if !res.OK() {
		if isGone(res.Stderr) {
			return StateUnknown, nil
		}
		return StateUnknown, &remote.ExitError{Cmd: "squeue -j " + id.String(), Result: res}
	}
	l := ParseListing(res.Stdout)
	idCol := l.Column("JOBID", "JOB_ID")
	stCol := l.Column("ST", "STATE")
	if idCol == "" || stCol == "" {
		return StateUnknown, nil
	}
	row, ok := l.Find(idCol, id.String())
	if !ok {
		return StateUnknown, nil
	}
	return ParseState(row[stCol]), nil
}

// Cancel cancels id. Cancelling a job the scheduler no longer knows is not an
// error, so Cancel is safe to call repeatedly.
func (c *Client) Cancel(ctx context.Context, id JobID) error {
	res, err := c.T.Run(ctx, "scancel "+id.String(), remote.RunOptions{Hide: true, Warn: true})
	if err != nil {
		return err
	}
	if res.OK() || isGone(res.Stderr) {
		return nil
	}
	return &remote.ExitError{Cmd: "scancel " + id.String(), Result: res}
}

// List returns the queue listing for user (empty or "*" for everyone) and an
// optional partition.
func (c *Client) List(ctx context.Context, user, partition string) (Listing, error) {
	cmd := "squeue"
	if user != "" && user != "*" && user != "all" {
		cmd += " -u " + remote.Quote(user)
	}
	if partition != "" {
		cmd += " -p " + remote.Quote(partition)
	}
	res, err := c.T.Run(ctx, cmd, remote.RunOptions{Hide: true})
	if err != nil {
		return Listing{}, err
	}
	return ParseListing(res.Stdout), nil
}

// ReservationExists reports whether `scontrol show reservations` lists name.
func (c *Client) ReservationExists(ctx context.Context, name string) (bool, error) {
	res, err := c.T.Run(ctx, "scontrol show reservations", remote.RunOptions{Hide: true, Warn: true})
	if err != nil {
		return false, err
	}
	if !res.OK() {
		return false, nil
	}
	return strings.Contains(res.Stdout, "ReservationName="+name), nil
}
