package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xlab/internal/slurm"
)

func newQueueCmd(root *rootOptions) *cobra.Command {
	var (
		user      string
		partition string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List batch jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := root.dial(ctx)
			if err != nil {
				return err
			}
			if user == "" && !all {
				user = t.User()
			}
			if all {
				user = ""
			}
			l, err := root.conn.Queue(t).List(ctx, user, partition)
			if err != nil {
				return err
			}
			printListing(l)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "owner", "u", "", "user whose jobs to list (default: you)")
	cmd.Flags().StringVarP(&partition, "partition", "p", "", "only list this partition")
	cmd.Flags().BoolVar(&all, "all", false, "list jobs of all users")
	return cmd
}

func printListing(l slurm.Listing) {
	if len(l.Header) == 0 {
		fmt.Fprintln(os.Stdout, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(l.Header, "\t"))
	for _, row := range l.Rows {
		cells := make([]string, len(l.Header))
		for i, h := range l.Header {
			cells[i] = row[h]
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
}
