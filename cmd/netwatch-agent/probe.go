package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netwatch/agent/internal/config"
	"github.com/netwatch/agent/internal/sysinfo"
	"github.com/netwatch/agent/internal/transport"
)

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect and authenticate once, then print the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			provider := sysinfo.NewProvider()
			client := transport.New(transport.Options{
				Config:  config.NewStore(opts.cfg),
				Info:    provider,
				Metrics: provider,
				Logger:  opts.log.Named("probe"),
				Version: version,
			})
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Disconnect()

			sess, _ := client.Session()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:       %s\n", sess.ID)
			fmt.Fprintf(out, "transport:     %s\n", sess.Transport)
			fmt.Fprintf(out, "ping interval: %s\n", sess.PingInterval)
			fmt.Fprintf(out, "ping timeout:  %s\n", sess.PingTimeout)
			fmt.Fprintf(out, "computer id:   %s\n", client.ComputerID())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "give up after this long")
	return cmd
}
