package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xlab/internal/batch"
	"github.com/antonkrylov/xlab/internal/slurm"
	"github.com/antonkrylov/xlab/internal/submit"
	"github.com/antonkrylov/xlab/internal/workspace"
)

func newJobCmd(root *rootOptions) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Batch job operations",
	}
	jobCmd.AddCommand(newJobSubmitCmd(root))
	jobCmd.AddCommand(newJobCancelCmd(root))
	return jobCmd
}

type jobSubmitFlags struct {
	partition string
	qos       string
	account   string
	jobName   string
	container string
	binds     []string
	memPerCPU int
	cpus      int
	hours     float64
	dryRun    bool
}

func (o *jobSubmitFlags) request(command, imageDir string) submit.Request {
	spec := batch.JobSpec{
		Command:   command,
		CPUs:      o.cpus,
		MemoryMB:  o.memPerCPU * o.cpus,
		Account:   o.account,
		QOS:       o.qos,
		Partition: o.partition,
		Binds:     o.binds,
	}
	if o.hours > 0 {
		spec.WallTime = o.hours
	}
	return submit.Request{
		Spec:     spec,
		JobName:  o.jobName,
		Image:    o.container,
		ImageDir: imageDir,
		DryRun:   o.dryRun,
	}
}

func newJobSubmitCmd(root *rootOptions) *cobra.Command {
	opts := &jobSubmitFlags{}
	cmd := &cobra.Command{
		Use:   "submit -- COMMAND [ARGS...]",
		Short: "Submit a command as a batch job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, err := root.dial(ctx)
			if err != nil {
				return err
			}
			logger := root.log()
			s := &submit.Submitter{
				T:          t,
				Queue:      root.conn.Queue(t),
				Workspaces: &workspace.Manager{T: t, Logger: logger},
				Logger:     logger,
			}
			res, err := s.Submit(ctx, opts.request(strings.Join(args, " "), root.conn.ImageDir()))
			if err != nil {
				return err
			}
			if opts.dryRun {
				fmt.Fprintln(os.Stdout, "=== DRY RUN ===")
				fmt.Fprint(os.Stdout, res.Script)
				return nil
			}
			fmt.Fprintf(os.Stdout, "Job ID: %s\n", res.JobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.partition, "partition", "xenon1t", "partition to submit to")
	cmd.Flags().StringVar(&opts.qos, "qos", "xenon1t", "qos to submit to")
	cmd.Flags().StringVar(&opts.account, "account", "pi-lgrandi", "account to charge")
	cmd.Flags().StringVar(&opts.jobName, "job-name", "xlab_job", "job name")
	cmd.Flags().StringVar(&opts.container, "container", "xenonnt-development.simg", "singularity image to run in; empty runs on the node directly")
	cmd.Flags().StringSliceVar(&opts.binds, "bind", []string{"/dali", "/project2"}, "paths to bind into the container")
	cmd.Flags().IntVar(&opts.memPerCPU, "mem-per-cpu", 1000, "memory per CPU in MB")
	cmd.Flags().IntVar(&opts.cpus, "cpus-per-task", 1, "CPUs to request")
	cmd.Flags().Float64Var(&opts.hours, "hours", 0, "wall time in hours (partition default when 0)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print the job script instead of submitting it")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newJobCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID...",
		Short: "Cancel batch jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			t, err := root.dial(ctx)
			if err != nil {
				return err
			}
			q := root.conn.Queue(t)
			var failed int
			for _, id := range ids {
				if err := q.Cancel(ctx, id); err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "cancel %s: %v\n", id, err)
					continue
				}
				fmt.Fprintf(os.Stdout, "cancelled %s\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs could not be cancelled", failed, len(ids))
			}
			return nil
		},
	}
}

func parseJobIDs(args []string) ([]slurm.JobID, error) {
	ids := make([]slurm.JobID, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid job id %q", a)
		}
		ids = append(ids, slurm.JobID(n))
	}
	return ids, nil
}
