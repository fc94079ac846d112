package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scitags/ipvs-go/ipvs"
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"svc"},
		Short:   "Manage virtual services.",
	}

	cmd.AddCommand(newServiceAddCmd())
	cmd.AddCommand(newServiceEditCmd())
	cmd.AddCommand(newServiceDelCmd())

	return cmd
}

func newServiceAddCmd() *cobra.Command {
	var (
		sf serviceFlags
		af serviceAttrFlags
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a virtual service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sf.service()
			if err != nil {
				return err
			}
			af.apply(cmd, &s, true)

			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				return c.CreateService(ctx, s)
			})
		},
	}

	sf.register(cmd, true)
	af.register(cmd)

	return cmd
}

func newServiceEditCmd() *cobra.Command {
	var (
		sf serviceFlags
		af serviceAttrFlags
	)

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Change the attributes of a virtual service. Unset ones are left alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sf.service()
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				cur, err := c.Service(ctx, s)
				if err != nil {
					return err
				}

				to := cur.Service
				af.apply(cmd, &to, false)

				got, err := c.UpdateService(ctx, cur.Service, to)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), serviceLine(got.Service))
				return nil
			})
		},
	}

	sf.register(cmd, true)
	af.register(cmd)

	return cmd
}

func newServiceDelCmd() *cobra.Command {
	var sf serviceFlags

	cmd := &cobra.Command{
		Use:     "del",
		Aliases: []string{"rm"},
		Short:   "Delete a virtual service along with its destinations.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sf.service()
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				return c.DeleteService(ctx, s)
			})
		},
	}

	sf.register(cmd, true)

	return cmd
}

func newDestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dest",
		Aliases: []string{"dst"},
		Short:   "Manage the destinations of a virtual service.",
	}

	cmd.AddCommand(newDestAddCmd())
	cmd.AddCommand(newDestEditCmd())
	cmd.AddCommand(newDestDisableCmd())
	cmd.AddCommand(newDestDelCmd())

	return cmd
}

// destTarget parses the flags naming a destination within a service.
func destTarget(sf *serviceFlags, df *destinationFlags) (ipvs.Service, ipvs.Destination, error) {
	s, err := sf.service()
	if err != nil {
		return ipvs.Service{}, ipvs.Destination{}, err
	}
	d, err := df.destination()
	if err != nil {
		return ipvs.Service{}, ipvs.Destination{}, err
	}
	return s, d, nil
}

func newDestAddCmd() *cobra.Command {
	var (
		sf serviceFlags
		df destinationFlags
		af destinationAttrFlags
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a destination to a virtual service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, d, err := destTarget(&sf, &df)
			if err != nil {
				return err
			}
			if err := af.apply(cmd, &d, true); err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				return c.CreateDestination(ctx, s, d)
			})
		},
	}

	sf.register(cmd, true)
	df.register(cmd)
	af.register(cmd)

	return cmd
}

// currentDestination looks d up in s so that updates start from what the
// kernel holds rather than from the bare identity given on the command line.
func currentDestination(ctx context.Context, c *ipvs.Client, s ipvs.Service, d ipvs.Destination) (ipvs.Destination, error) {
	dsts, err := c.Destinations(ctx, s)
	if err != nil {
		return ipvs.Destination{}, err
	}

	for _, cur := range dsts {
		if cur.SameIdentity(d) {
			return cur.Destination, nil
		}
	}

	return ipvs.Destination{}, fmt.Errorf("no destination %s in %s", d.ID(), s.ID())
}

func newDestEditCmd() *cobra.Command {
	var (
		sf serviceFlags
		df destinationFlags
		af destinationAttrFlags
	)

	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Change the attributes of a destination. Unset ones are left alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, d, err := destTarget(&sf, &df)
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				cur, err := currentDestination(ctx, c, s, d)
				if err != nil {
					return err
				}

				to := cur
				if err := af.apply(cmd, &to, false); err != nil {
					return err
				}

				got, err := c.UpdateDestination(ctx, s, cur, to)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", got.Destination)
				return nil
			})
		},
	}

	sf.register(cmd, true)
	df.register(cmd)
	af.register(cmd)

	return cmd
}

func newDestDisableCmd() *cobra.Command {
	var (
		sf serviceFlags
		df destinationFlags
	)

	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Stop scheduling new connections onto a destination, leaving established ones alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, d, err := destTarget(&sf, &df)
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				cur, err := currentDestination(ctx, c, s, d)
				if err != nil {
					return err
				}

				got, err := c.DisableDestination(ctx, s, cur)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s active %d inactive %d\n", got.Destination, got.ActiveConns, got.InactiveConns)
				return nil
			})
		},
	}

	sf.register(cmd, true)
	df.register(cmd)

	return cmd
}

func newDestDelCmd() *cobra.Command {
	var (
		sf serviceFlags
		df destinationFlags
	)

	cmd := &cobra.Command{
		Use:     "del",
		Aliases: []string{"rm"},
		Short:   "Delete a destination.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, d, err := destTarget(&sf, &df)
			if err != nil {
				return err
			}

			return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
				return c.DeleteDestination(ctx, s, d)
			})
		},
	}

	sf.register(cmd, true)
	df.register(cmd)

	return cmd
}
