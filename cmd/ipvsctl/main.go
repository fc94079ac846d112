package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scitags/ipvs-go/ipvs"
)

var (
	logLevelFlag string
	logTimeFlag  bool
	timeoutFlag  time.Duration

	builtCommit = "dev"

	// dial is swapped out in tests.
	dial = ipvs.New
)

// newRootCmd builds the whole command tree. Flags live in closures so that
// every tree starts off with pristine values.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ipvsctl",
		Short:         "Manage the kernel's IPVS tables over generic netlink.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Get the built version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "built commit: %s\n", builtCommit)
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&logTimeFlag, "log-time", false, "include timestamps in the logs")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 5*time.Second, "bound on every exchange with the kernel")

	// Disable completion please!
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Add the different sub-commands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newTimeoutCmd())
	rootCmd.AddCommand(newFlushCmd())
	rootCmd.AddCommand(newZeroCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(newDestCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newServeCmd())

	return rootCmd
}

// withClient runs fn on a fresh client. Everything fn does is bounded by
// --timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ipvs.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
