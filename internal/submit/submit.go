// Package submit sends one-off batch jobs to the cluster, optionally running
// the user command inside a singularity image.
package submit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/antonkrylov/xlab/internal/batch"
	"github.com/antonkrylov/xlab/internal/remote"
	"github.com/antonkrylov/xlab/internal/slurm"
	"github.com/antonkrylov/xlab/internal/workspace"
)

// Queue submits scripts to the scheduler.
type Queue interface {
	Submit(ctx context.Context, scriptPath string) (slurm.JobID, error)
}

// Request describes a batch submission. Spec.Command is what runs.
type Request struct {
	Spec    batch.JobSpec
	JobName string
	// Image runs the command inside this singularity image; empty runs it
	// on the node directly.
	Image    string
	ImageDir string
	DryRun   bool
}

// Result reports what was (or would have been) submitted.
type Result struct {
	JobID      slurm.JobID
	Script     string
	ScriptPath string
	// InnerPath is the wrapped command script inside the container, if any.
	InnerPath string
}

type Submitter struct {
	T          remote.Transport
	Queue      Queue
	Workspaces *workspace.Manager
	Logger     *slog.Logger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func (s *Submitter) logger() *slog.Logger {
	if s.Logger == nil {
		return discardLogger
	}
	return s.Logger
}

// Submit renders the job, uploads it to $SCRATCH/tmp and submits it. The
// outer script is removed again after sbatch has read it; the inner script
// removes itself when the job finishes.
func (s *Submitter) Submit(ctx context.Context, req Request) (Result, error) {
	var res Result
	spec := req.Spec
	if strings.TrimSpace(spec.Command) == "" {
		return res, &batch.TemplateError{Param: "command", Reason: "required placeholder has no value"}
	}
	jobName := req.JobName
	if jobName == "" {
		jobName = "xlab_job"
	}

	tmp, err := s.scratchDir(ctx)
	if err != nil {
		return res, err
	}
	batchName := jobName + "_" + randomSuffix(8)
	files := batch.NewJobFiles(jobName, tmp, batchName+".sbatch", batchName+".log")
	res.ScriptPath = files.ScriptPath

	inner := ""
	if req.Image != "" {
		res.InnerPath = tmp + "/xlabtmp_" + randomSuffix(10) + ".sh"
		inner = "#!/bin/bash\n" + spec.Command
		binds := append(append([]string(nil), spec.Binds...), tmp)
		spec.Command = batch.WrapSingularity(res.InnerPath, batch.ImagePath(req.ImageDir, req.Image), binds)
	}
	script, err := batch.SubmitScript(spec, files)
	if err != nil {
		return res, err
	}
	res.Script = script
	if req.DryRun {
		return res, nil
	}

	ws, err := s.Workspaces.Create(ctx, tmp)
	if err != nil {
		return res, err
	}
	if inner != "" {
		rel := strings.TrimPrefix(res.InnerPath, tmp+"/")
		if _, err := s.Workspaces.WriteFile(ctx, ws, rel, []byte(inner)); err != nil {
			return res, err
		}
		if err := s.Workspaces.MakeExecutable(ctx, ws, rel); err != nil {
			return res, err
		}
		s.logger().Info("inner job script uploaded", "path", res.InnerPath)
	}
	if _, err := s.Workspaces.WriteFile(ctx, ws, batchName+".sbatch", []byte(script)); err != nil {
		return res, err
	}
	id, err := s.Queue.Submit(ctx, files.ScriptPath)
	if err != nil {
		return res, err
	}
	res.JobID = id
	s.logger().Info("job submitted", "job_id", int64(id), "script", files.ScriptPath)

	if r, err := s.T.Run(ctx, "rm "+remote.Quote(files.ScriptPath), remote.RunOptions{Hide: true, Warn: true}); err != nil || !r.OK() {
		s.logger().Warn("could not remove submitted script", "path", files.ScriptPath, "err", err, "exit", r.ExitCode)
	}
	return res, nil
}

// scratchDir is $SCRATCH/tmp, or ./tmp when SCRATCH is unset.
func (s *Submitter) scratchDir(ctx context.Context) (string, error) {
	r, err := s.T.Run(ctx, "echo $SCRATCH", remote.RunOptions{Hide: true, Warn: true})
	if err != nil {
		return "", fmt.Errorf("look up scratch directory: %w", err)
	}
	dir := strings.TrimSpace(r.Stdout)
	if !r.OK() || dir == "" {
		dir = "."
	}
	return strings.TrimRight(dir, "/") + "/tmp", nil
}

func randomSuffix(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	return s[len(s)-n:]
}
