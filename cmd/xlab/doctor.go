package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xlab/internal/cli/config"
	"github.com/antonkrylov/xlab/internal/client"
	"github.com/antonkrylov/xlab/internal/logging"
	"github.com/antonkrylov/xlab/internal/progress"
	"github.com/antonkrylov/xlab/internal/remote"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, _ := os.Executable()
			fmt.Fprintf(os.Stdout, "xlab_executable=%s\n", strings.TrimSpace(exe))
			for _, tool := range []string{"ssh", "xdg-open", "open"} {
				if p, err := exec.LookPath(tool); err == nil {
					fmt.Fprintf(os.Stdout, "%s=%s\n", tool, p)
				}
			}
			fmt.Fprintf(os.Stdout, "stdout_tty=%t\n", progress.IsTerminal(os.Stdout))
			fmt.Fprintf(os.Stdout, "log_file=%s\n", logging.Path(cliconfig.DefaultLogDir()))

			home, _ := os.UserHomeDir()
			if home != "" {
				sshConfig := filepath.Join(home, ".ssh", "config")
				_, err := os.Stat(sshConfig)
				fmt.Fprintf(os.Stdout, "ssh_config=%s present=%t\n", sshConfig, err == nil)
			}

			cfgPath := root.configPath
			fmt.Fprintf(os.Stdout, "config_path=%s\n", cfgPath)
			cfg, err := cliconfig.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stdout, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(os.Stdout, "config_present=false")
			} else {
				fmt.Fprintln(os.Stdout, "config_present=true")
				fmt.Fprintf(os.Stdout, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
				for _, name := range contextNames(cfg) {
					c := cfg.Contexts[name]
					events := ""
					if c.Events != nil {
						events = c.Events.NATSURL
					}
					fmt.Fprintf(os.Stdout, "context=%s ssh=%s user=%s partition=%s events=%s\n",
						name,
						strings.TrimSpace(c.SSHHost),
						strings.TrimSpace(c.User),
						strings.TrimSpace(c.Partition),
						events,
					)
				}
			}
			if !probe {
				return nil
			}
			return doctorProbe(cmd.Context(), root)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "also connect to the cluster and check the batch tools")
	return cmd
}

// doctorProbe runs a few harmless commands on the cluster.
func doctorProbe(ctx context.Context, root *rootOptions) error {
	conn, err := client.Resolve(root.configPath, root.contextName, root.sshHost, root.user, root.timeout)
	if err != nil {
		fmt.Fprintf(os.Stdout, "probe_error=%s\n", err.Error())
		return nil
	}
	root.conn = conn
	ctx, cancel := context.WithTimeout(ctx, 2*conn.ConnectTimeout+10*time.Second)
	defer cancel()
	t, err := root.dial(ctx)
	if err != nil {
		fmt.Fprintf(os.Stdout, "probe_error=%s\n", err.Error())
		return nil
	}
	fmt.Fprintf(os.Stdout, "remote_user=%s\n", t.User())
	for _, tool := range []string{"sbatch", "squeue", "scancel", "singularity", "zstd"} {
		res, err := t.Run(ctx, "command -v "+tool, remote.RunOptions{Hide: true, Warn: true})
		found := err == nil && res.OK()
		fmt.Fprintf(os.Stdout, "remote_%s=%t\n", tool, found)
	}
	return nil
}
