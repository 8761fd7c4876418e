package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xlab/internal/cli/config"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage xlab contexts",
	}
	cmd.AddCommand(newConfigSetContextCmd(root))
	cmd.AddCommand(newConfigUseContextCmd(root))
	cmd.AddCommand(newConfigGetContextsCmd(root))
	return cmd
}

func loadOrEmpty(path string) (*cliconfig.Config, error) {
	cfg, err := cliconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	return cfg, nil
}

type setContextFlags struct {
	ctx       cliconfig.Context
	natsURL   string
	subject   string
	stream    string
	setActive bool
}

func (f *setContextFlags) build() *cliconfig.Context {
	c := f.ctx
	if strings.TrimSpace(f.natsURL) != "" {
		c.Events = &cliconfig.Events{NATSURL: f.natsURL, Subject: f.subject, Stream: f.stream}
	}
	return &c
}

func newConfigSetContextCmd(root *rootOptions) *cobra.Command {
	f := &setContextFlags{}
	cmd := &cobra.Command{
		Use:   "set-context NAME",
		Short: "Create or replace a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(f.ctx.SSHHost) == "" {
				return fmt.Errorf("--ssh-host is required")
			}
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			if err := cfg.SetContext(args[0], f.build()); err != nil {
				return err
			}
			if f.setActive {
				cfg.CurrentContext = args[0]
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "context %q saved to %s\n", args[0], root.configPath)
			return nil
		},
	}
	// Shadows the root --ssh-host and --user flags.
	cmd.Flags().StringVar(&f.ctx.SSHHost, "ssh-host", "", "ssh destination (alias or user@host)")
	cmd.Flags().StringVar(&f.ctx.User, "user", "", "remote user name")
	cmd.Flags().StringArrayVar(&f.ctx.SSHArgs, "ssh-arg", nil, "extra ssh argument (repeatable)")
	cmd.Flags().BoolVar(&f.ctx.BatchMode, "batch-mode", false, "never prompt for ssh passwords")
	cmd.Flags().StringVar(&f.ctx.JobsDir, "jobs-dir", "", "remote parent directory for session job folders")
	cmd.Flags().StringVar(&f.ctx.Account, "account", "", "default batch account")
	cmd.Flags().StringVar(&f.ctx.Partition, "partition", "", "default partition")
	cmd.Flags().StringVar(&f.ctx.ImageDir, "image-dir", "", "singularity image directory for job submit")
	cmd.Flags().StringSliceVar(&f.ctx.Binds, "binds", nil, "default container binds")
	cmd.Flags().StringVar(&f.ctx.NotebookReservation, "notebook-reservation", "", "notebook reservation name, or none")
	cmd.Flags().StringVar(&f.natsURL, "nats-url", "", "publish session events to this NATS server")
	cmd.Flags().StringVar(&f.subject, "nats-subject", "", "subject prefix for session events (default xlab)")
	cmd.Flags().StringVar(&f.stream, "nats-stream", "", "JetStream stream for session events (default xlab_sessions)")
	cmd.Flags().BoolVar(&f.setActive, "use", false, "make this the current context")
	return cmd
}

func newConfigUseContextCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use-context NAME",
		Short: "Switch the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			if err := cfg.UseContext(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "switched to context %q\n", args[0])
			return nil
		},
	}
}

func newConfigGetContextsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get-contexts",
		Short: "List contexts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			for _, name := range contextNames(cfg) {
				marker := " "
				if name == cfg.CurrentContext {
					marker = "*"
				}
				fmt.Fprintf(os.Stdout, "%s %s\t%s\n", marker, name, cfg.Contexts[name].SSHHost)
			}
			return nil
		},
	}
}

func contextNames(cfg *cliconfig.Config) []string {
	names := make([]string, 0, len(cfg.Contexts))
	for k, v := range cfg.Contexts {
		if v != nil {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}
