package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xlab/internal/batch"
	cliconfig "github.com/antonkrylov/xlab/internal/cli/config"
	"github.com/antonkrylov/xlab/internal/logging"
	"github.com/antonkrylov/xlab/internal/progress"
	"github.com/antonkrylov/xlab/internal/session"
	"github.com/antonkrylov/xlab/internal/tunnel"
	"github.com/antonkrylov/xlab/internal/workspace"
)

// sessionFailedError marks a failure the progress renderer already showed.
type sessionFailedError struct {
	err error
}

func (e *sessionFailedError) Error() string { return e.err.Error() }
func (e *sessionFailedError) Unwrap() error { return e.err }

type jupyterFlags struct {
	env               string
	partition         string
	tag               string
	binds             string
	node              string
	jupyter           string
	notebookDir       string
	bypassReservation bool
	gpu               bool
	localCutax        bool
	detached          bool
	noBrowser         bool
	debug             bool
	startTimeout      time.Duration
	endpointTimeout   time.Duration
	cpus              int
	ramMB             int
	maxHours          float64
	localPort         int
	remotePort        int
}

func (f *jupyterFlags) spec() batch.JobSpec {
	s := batch.JobSpec{
		CPUs:        f.cpus,
		MemoryMB:    f.ramMB,
		Partition:   f.partition,
		Node:        f.node,
		GPU:         f.gpu,
		Env:         f.env,
		Tag:         f.tag,
		Binds:       batch.SplitBinds(f.binds),
		Jupyter:     f.jupyter,
		NotebookDir: f.notebookDir,
	}
	if f.maxHours > 0 {
		s.WallTime = f.maxHours
	}
	return s
}

func newJupyterCmd(root *rootOptions) *cobra.Command {
	jupyterCmd := &cobra.Command{
		Use:   "jupyter",
		Short: "Jupyter sessions on the cluster",
	}
	jupyterCmd.AddCommand(newJupyterStartCmd(root))
	return jupyterCmd
}

func newJupyterStartCmd(root *rootOptions) *cobra.Command {
	f := &jupyterFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a jupyter server in a batch job and forward it to a local port",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := root.dial(ctx)
			if err != nil {
				return err
			}
			spec := root.conn.Apply(f.spec()).WithDefaults(root.conn.Site(t))
			if err := spec.Validate(); err != nil {
				return err
			}
			queue := root.conn.Queue(t)
			if f.localCutax {
				queue.Env = map[string]string{"INSTALL_CUTAX": "0"}
			}
			reservation := root.conn.Reservation()
			if f.bypassReservation {
				reservation = batch.ReservationPolicy{}
			}

			out := progress.New(os.Stdout)
			defer out.Close()
			observers := session.Observers{out}
			if pub, closePub := root.eventsObserver(ctx); pub != nil {
				defer closePub()
				observers = append(observers, pub)
			}
			if !f.noBrowser {
				observers = append(observers, &progress.BrowserOpener{
					OnError: func(err error) { root.log().Warn("could not open browser", "err", err) },
				})
			}

			logger := root.log()
			observers = append(observers, phaseLogger(logger))
			opts := session.Options{
				Spec:            spec,
				Reservation:     reservation,
				JobsDir:         root.conn.JobsDir(),
				RemotePort:      f.remotePort,
				LocalPort:       f.localPort,
				StartTimeout:    f.startTimeout,
				EndpointTimeout: f.endpointTimeout,
				Detached:        f.detached,
				Preserve:        f.debug,
			}
			if !f.detached {
				opts.Release = releaseOnEnter(os.Stdin)
			}
			orch := session.New(session.Env{
				Transport:  t,
				Queue:      queue,
				Tunnels:    &tunnel.Manager{T: t, Logger: logger},
				Workspaces: &workspace.Manager{T: t, Logger: logger},
				Observer:   observers,
				Logger:     logger,
			}, opts)
			s, err := orch.Run(ctx)
			if err != nil {
				root.log().Error("session failed", "session_id", s.ID, "state", s.State.String(), "err", err)
				return &sessionFailedError{err: err}
			}
			if f.debug {
				fmt.Fprintf(os.Stderr, "debug log: %s\n", logging.Path(cliconfig.DefaultLogDir()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.env, "env", batch.EnvSingularity, "software environment: singularity|cvmfs|backup")
	cmd.Flags().StringVar(&f.partition, "partition", "", "partition to run on (default by host: dali or xenon1t)")
	cmd.Flags().StringVar(&f.tag, "tag", "development", "container tag")
	cmd.Flags().StringVar(&f.binds, "binds", "", "comma separated directories to bind into the container")
	cmd.Flags().StringVar(&f.node, "node", "", "node to run on")
	cmd.Flags().StringVar(&f.jupyter, "jupyter", "lab", "server type: lab|notebook")
	cmd.Flags().StringVar(&f.notebookDir, "notebook-dir", "", "directory to start the server in (default remote home)")
	cmd.Flags().BoolVar(&f.bypassReservation, "bypass-reservation", false, "do not use the notebook reservation")
	cmd.Flags().BoolVar(&f.gpu, "gpu", false, "request a GPU")
	cmd.Flags().BoolVar(&f.localCutax, "local-cutax", false, "use the user installed cutax instead of the container one")
	cmd.Flags().BoolVar(&f.detached, "detached", false, "leave the job and forward running and exit")
	cmd.Flags().BoolVar(&f.noBrowser, "no-browser", false, "do not open the browser")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "keep the remote job folder and write a debug-level log")
	cmd.Flags().DurationVar(&f.startTimeout, "timeout", session.DefaultStartTimeout, "how long to wait for the job to start")
	cmd.Flags().DurationVar(&f.endpointTimeout, "server-timeout", session.DefaultEndpointTimeout, "how long to wait for the server to report its address")
	cmd.Flags().IntVar(&f.cpus, "cpu", 2, "CPUs to request")
	cmd.Flags().IntVar(&f.ramMB, "ram", 8000, "memory to request in MB")
	cmd.Flags().Float64Var(&f.maxHours, "max-hours", 0, "wall time in hours (default 4, 2 with --gpu)")
	cmd.Flags().IntVar(&f.localPort, "local-port", session.DefaultLocalPort, "local port to forward to (next free one is used if taken)")
	cmd.Flags().IntVar(&f.remotePort, "remote-port", 0, "server port on the worker node (random when 0)")
	return cmd
}

// phaseLogger records every phase change in the log file, so the file tells
// the whole story even when the console was a spinner.
func phaseLogger(logger *slog.Logger) session.Observer {
	return session.ObserverFunc(func(e session.Event) {
		if !e.Transition {
			return
		}
		logger.Info("session phase", "session_id", e.SessionID, "state", e.State.String(), "job_id", int64(e.JobID))
	})
}

// releaseOnEnter closes the returned channel when a line is read from r. On
// EOF or a read error it never fires, leaving CTRL-C as the only way out.
func releaseOnEnter(r io.Reader) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
			close(ch)
		}
	}()
	return ch
}
