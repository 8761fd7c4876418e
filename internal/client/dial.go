package client

import (
	"context"
	"log/slog"
	"strings"

	"github.com/antonkrylov/xlab/internal/batch"
	"github.com/antonkrylov/xlab/internal/remote"
	"github.com/antonkrylov/xlab/internal/slurm"
)

// Dial builds the ssh transport for c and makes sure the remote user is
// known, running `whoami` over the connection when neither the flags, the
// context nor the ssh target name it.
func (c *Connection) Dial(ctx context.Context, logger *slog.Logger) (*remote.SSH, error) {
	t := &remote.SSH{
		Target:            c.SSHHost,
		LoginUser:         c.User,
		Args:              c.SSHArgs,
		BatchMode:         c.BatchMode,
		CompressDownloads: true,
		ConnectTimeout:    c.ConnectTimeout,
		Logger:            logger,
	}
	if t.User() == "" {
		if _, err := t.ResolveUser(ctx); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Queue returns a Slurm client bound to t.
func (c *Connection) Queue(t remote.Transport) *slurm.Client {
	return &slurm.Client{T: t}
}

// Site describes the cluster for batch defaults.
func (c *Connection) Site(t remote.Transport) batch.Site {
	host := c.HostName()
	if strings.HasPrefix(host, "dali") {
		host = "dali"
	}
	return batch.Site{Host: host, User: t.User()}
}

// Apply overlays the context's batch defaults onto spec; explicit spec
// values win.
func (c *Connection) Apply(spec batch.JobSpec) batch.JobSpec {
	ctx := c.Context
	if ctx == nil {
		return spec
	}
	if spec.Account == "" {
		spec.Account = ctx.Account
	}
	if spec.Partition == "" {
		spec.Partition = ctx.Partition
	}
	if len(spec.Binds) == 0 && len(ctx.Binds) > 0 {
		spec.Binds = append([]string(nil), ctx.Binds...)
	}
	return spec
}

// Reservation is the notebook reservation policy for this context.
func (c *Connection) Reservation() batch.ReservationPolicy {
	p := batch.DefaultNotebookReservation()
	if c.Context == nil {
		return p
	}
	switch name := strings.TrimSpace(c.Context.NotebookReservation); name {
	case "":
	case "none":
		return batch.ReservationPolicy{}
	default:
		p.Name = name
	}
	return p
}

// JobsDir is the remote parent directory for session workspaces; empty
// selects the per-user default.
func (c *Connection) JobsDir() string {
	if c.Context == nil {
		return ""
	}
	return strings.TrimSpace(c.Context.JobsDir)
}

// ImageDir is where singularity images live for `job submit`.
func (c *Connection) ImageDir() string {
	if c.Context == nil || strings.TrimSpace(c.Context.ImageDir) == "" {
		return batch.DefaultImageDir
	}
	return strings.TrimSpace(c.Context.ImageDir)
}
