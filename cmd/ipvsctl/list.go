package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scitags/ipvs-go/ipvs"
)

func newListCmd() *cobra.Command {
	var stats, asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List services and their destinations.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				svcs, err := c.Services(ctx)
				if err != nil {
					return err
				}

				ls := make([]listing, 0, len(svcs))
				for _, s := range svcs {
					dsts, err := c.Destinations(ctx, s.Service)
					if err != nil {
						return err
					}
					ls = append(ls, listing{ServiceExtended: s, Destinations: dsts})
				}

				if asJSON {
					return printJSON(cmd.OutOrStdout(), ls)
				}

				info, err := c.Info(ctx)
				if err != nil {
					return err
				}
				return printListing(cmd.OutOrStdout(), &info, ls, stats)
			})
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "show the traffic counters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")

	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the IPVS version and global timeouts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				info, err := c.Info(ctx)
				if err != nil {
					return err
				}
				t, err := c.Timeouts(ctx)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "version: %s\nconnection table size: %d\n", info.Version, info.ConnTableSize)
				fmt.Fprintf(cmd.OutOrStdout(), "timeouts: tcp %s tcpfin %s udp %s\n", t.TCP, t.TCPFin, t.UDP)
				return nil
			})
		},
	}
}

func newTimeoutCmd() *cobra.Command {
	var t ipvs.Timeouts

	cmd := &cobra.Command{
		Use:   "timeout",
		Short: "Set the global connection timeouts. Unset ones are left alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				return c.SetTimeouts(ctx, t)
			})
		},
	}

	cmd.Flags().DurationVar(&t.TCP, "tcp", 0, "established TCP connections")
	cmd.Flags().DurationVar(&t.TCPFin, "tcpfin", 0, "TCP connections after receiving a FIN")
	cmd.Flags().DurationVar(&t.UDP, "udp", 0, "UDP flows")
	cmd.MarkFlagsOneRequired("tcp", "tcpfin", "udp")

	return cmd
}

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Remove every service and destination.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				return c.Flush(ctx)
			})
		},
	}
}

func newZeroCmd() *cobra.Command {
	var sf serviceFlags

	cmd := &cobra.Command{
		Use:   "zero",
		Short: "Reset the counters of a service, or of all of them if none is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *ipvs.Service
			if sf.given() {
				s, err := sf.service()
				if err != nil {
					return err
				}
				target = &s
			}

			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				return c.Zero(ctx, target)
			})
		},
	}

	sf.register(cmd, false)

	return cmd
}
