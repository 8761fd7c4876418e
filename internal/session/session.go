package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antonkrylov/xlab/internal/batch"
	"github.com/antonkrylov/xlab/internal/endpoint"
	"github.com/antonkrylov/xlab/internal/slurm"
	"github.com/antonkrylov/xlab/internal/tunnel"
	"github.com/antonkrylov/xlab/internal/workspace"
)

// MetadataFile is the name of the snapshot written into the workspace.
const MetadataFile = "server_details.json"

// Session is the state of one orchestrator run. It is owned by the
// orchestrator's goroutine and only read by callers after Run returns.
type Session struct {
	ID         string
	Spec       batch.JobSpec
	Files      batch.JobFiles
	RemotePort int

	JobID     slurm.JobID
	JobState  slurm.JobState
	Endpoint  *endpoint.Endpoint
	Workspace *workspace.Workspace
	Tunnel    *tunnel.Handle

	State   State
	History []State
	// Err is the cause of a FAILED session.
	Err error
	// Warnings collects non-fatal problems, including teardown failures.
	Warnings []string
}

// ErrEndpointAlreadySet guards the at-most-one-endpoint invariant.
var ErrEndpointAlreadySet = errors.New("session endpoint already set")

// SetEndpoint records ep. A session has at most one endpoint.
func (s *Session) SetEndpoint(ep endpoint.Endpoint) error {
	if s.Endpoint != nil {
		return ErrEndpointAlreadySet
	}
	s.Endpoint = &ep
	return nil
}

// LocalURL is the operator-facing URL once a tunnel exists.
func (s *Session) LocalURL() string {
	if s.Endpoint == nil || s.Tunnel == nil {
		return ""
	}
	return endpoint.LocalURL(s.Tunnel.Port(), s.Endpoint.Token)
}

// Entered counts how many times the session entered st.
func (s *Session) Entered(st State) int {
	n := 0
	for _, h := range s.History {
		if h == st {
			n++
		}
	}
	return n
}

// Metadata is the JSON snapshot left in the workspace for the operator.
type Metadata struct {
	JobID      int64  `json:"job_id"`
	JobName    string `json:"job_name"`
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
	Token      string `json:"token"`
}

// Metadata snapshots the session. It requires an endpoint.
func (s *Session) Metadata() (Metadata, error) {
	if s.Endpoint == nil {
		return Metadata{}, fmt.Errorf("session %s has no endpoint yet", s.ID)
	}
	return Metadata{
		JobID:      int64(s.JobID),
		JobName:    s.Files.JobName,
		RemoteHost: s.Endpoint.Host,
		RemotePort: s.Endpoint.Port,
		Token:      s.Endpoint.Token,
	}, nil
}

// MarshalIndent renders the snapshot the way operators expect to read it.
func (m Metadata) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(m, "", "    ")
}

// PollTimeoutError reports that a wait phase ran out of time.
type PollTimeoutError struct {
	Phase   State
	JobID   slurm.JobID
	Timeout time.Duration
}

func (e *PollTimeoutError) Error() string {
	switch e.Phase {
	case StateWaitingRunning:
		return fmt.Sprintf("job %s did not start within %s", e.JobID, e.Timeout)
	case StateWaitingEndpoint:
		return fmt.Sprintf("job %s did not expose a service endpoint within %s", e.JobID, e.Timeout)
	}
	return fmt.Sprintf("timeout after %s while %s", e.Timeout, e.Phase)
}

// JobTerminatedError reports that the job left the queue, or reached a
// terminal state, before producing an endpoint.
type JobTerminatedError struct {
	Phase State
	JobID slurm.JobID
	State slurm.JobState
}

func (e *JobTerminatedError) Error() string {
	if e.Phase == StateWaitingRunning && e.State == slurm.StateCancelled {
		return fmt.Sprintf("job %s was cancelled before it started", e.JobID)
	}
	if e.Phase == StateWaitingRunning {
		return fmt.Sprintf("job %s did not start: scheduler reports %s", e.JobID, e.State)
	}
	return fmt.Sprintf("job %s exited (%s); it was cancelled or hit an internal error", e.JobID, e.State)
}
