package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xlab/internal/cli/config"
	"github.com/antonkrylov/xlab/internal/client"
	"github.com/antonkrylov/xlab/internal/events"
	"github.com/antonkrylov/xlab/internal/logging"
	"github.com/antonkrylov/xlab/internal/remote"
	"github.com/antonkrylov/xlab/internal/session"
)

type rootOptions struct {
	configPath  string
	contextName string
	sshHost     string
	user        string
	timeout     time.Duration
	logLevel    string

	conn   *client.Connection
	logger *logging.Logger
}

func (r *rootOptions) prepare() error {
	resolved, err := client.Resolve(r.configPath, r.contextName, r.sshHost, r.user, r.timeout)
	if err != nil {
		return err
	}
	r.conn = resolved
	return nil
}

func (r *rootOptions) openLog() error {
	if r.logger != nil {
		return nil
	}
	l, err := logging.Open(cliconfig.DefaultLogDir(), r.logLevel)
	if err != nil {
		// The console still works without a log file.
		l = &logging.Logger{Logger: logging.New(os.Stderr, "error")}
	}
	r.logger = l
	return nil
}

func (r *rootOptions) log() *slog.Logger {
	if r.logger == nil {
		return logging.New(os.Stderr, "error")
	}
	return r.logger.Logger
}

func (r *rootOptions) dial(ctx context.Context) (*remote.SSH, error) {
	t, err := r.conn.Dial(ctx, r.log())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", r.conn.SSHHost, err)
	}
	return t, nil
}

// eventsObserver publishes to NATS when the context configures it. A broker
// that cannot be reached only costs a log line.
func (r *rootOptions) eventsObserver(ctx context.Context) (session.Observer, func()) {
	c := r.conn.Context
	if c == nil || c.Events == nil || c.Events.NATSURL == "" {
		return nil, func() {}
	}
	pub, err := events.Connect(ctx, events.Options{
		URL:     c.Events.NATSURL,
		Subject: c.Events.Subject,
		Stream:  c.Events.Stream,
	}, r.log())
	if err != nil {
		r.log().Warn("event publishing disabled", "err", err)
		return nil, func() {}
	}
	return pub, pub.Close
}

// logLevelFor raises the log file to debug when the command runs with --debug.
func logLevelFor(cmd *cobra.Command, level string) string {
	if f := cmd.Flags().Lookup("debug"); f != nil && f.Value.String() == "true" {
		return "debug"
	}
	return level
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &rootOptions{}
	defer func() {
		if opts.logger != nil {
			_ = opts.logger.Close()
		}
	}()

	rootCmd := &cobra.Command{
		Use:           "xlab",
		Short:         "Run interactive analysis sessions on the cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", cliconfig.DefaultConfigPath(), "path to xlab config file (default $HOME/.xlab/config, or $XLAB_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().StringVar(&opts.sshHost, "ssh-host", "", "ssh destination (alias or user@host); overrides config")
	rootCmd.PersistentFlags().StringVar(&opts.user, "user", "", "remote user name; derived from the ssh target when empty")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "connect-timeout", 0, "ssh connect timeout; defaults to 15s")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log file level: debug|info|warn|error")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		opts.logLevel = logLevelFor(cmd, opts.logLevel)
		if err := opts.openLog(); err != nil {
			return err
		}
		// config and doctor work without a reachable context.
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "config" || c.Name() == "doctor" {
				return nil
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newJupyterCmd(opts))
	rootCmd.AddCommand(newJobCmd(opts))
	rootCmd.AddCommand(newQueueCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var failed *sessionFailedError
		if !errors.As(err, &failed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		opts.log().Error("command failed", "err", err)
		return 1
	}
	return 0
}
