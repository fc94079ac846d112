package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/scitags/ipvs-go/ipvs"
	"github.com/scitags/ipvs-go/state"
)

func printPlan(w io.Writer, actions []state.Action) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "nothing to do")
		return
	}
	for _, a := range actions {
		fmt.Fprintln(w, a)
	}
}

// reconcile brings ctl in line with st within a single --timeout.
func reconcile(ctx context.Context, ctl state.Controller, st *state.State, opts state.Options, dryRun bool) ([]state.Action, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()

	if dryRun {
		return state.Plan(ctx, ctl, st, opts)
	}
	return state.Reconcile(ctx, ctl, st, opts)
}

func newApplyCmd() *cobra.Command {
	var (
		opts   state.Options
		dryRun bool
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "apply <state.yaml>",
		Short: "Bring the tables in line with a desired state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := state.Load(args[0])
			if err != nil {
				return err
			}

			if !watch {
				return withClient(cmd, func(ctx context.Context, c *ipvs.Client) error {
					var actions []state.Action
					if dryRun {
						actions, err = state.Plan(ctx, c, st, opts)
					} else {
						actions, err = state.Reconcile(ctx, c, st, opts)
					}
					if err != nil {
						return err
					}
					printPlan(cmd.OutOrStdout(), actions)
					return nil
				})
			}

			dctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
			c, err := dial(dctx)
			cancel()
			if err != nil {
				return err
			}
			defer c.Close()

			apply := func(st *state.State) {
				actions, err := reconcile(cmd.Context(), c, st, opts, dryRun)
				if err != nil {
					slog.Error("error reconciling", "err", err)
					return
				}
				printPlan(cmd.OutOrStdout(), actions)
			}

			apply(st)
			return state.Watch(cmd.Context(), args[0], state.DefaultSettle, apply)
		},
	}

	cmd.Flags().BoolVar(&opts.Purge, "purge", false, "remove services missing from the state")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "delete destinations without draining them first")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "only print what would be done")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep applying the state whenever the file changes")

	return cmd
}

func newServeCmd() *cobra.Command {
	var confPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the exporter and the API, optionally keeping a desired state applied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := ReadConf(confPath)
			if err != nil {
				return err
			}
			slog.Debug("read the configuration", "path", confPath)

			ctx := cmd.Context()

			dctx, cancel := context.WithTimeout(ctx, timeoutFlag)
			c, err := dial(dctx)
			cancel()
			if err != nil {
				return err
			}
			defer c.Close()

			return serve(ctx, conf, &lockedClient{c: c})
		},
	}

	cmd.Flags().StringVar(&confPath, "config", "/etc/ipvsctl/conf.yaml", "path to the configuration file")

	return cmd
}

func periodic(ctx context.Context, period time.Duration, fn func()) {
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
