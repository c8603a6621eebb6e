// Plsd is the pattern learning and decision daemon.
//
// It watches customer conversations, answers recurring questions from
// learned patterns, queues uncertain answers for operator review and learns
// new patterns from operator replies.
//
// Usage:
//
//	# Start the daemon
//	plsd serve
//
//	# Run one decay sweep and exit
//	plsd sweep
//
//	# Apply database migrations
//	plsd migrate
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "plsd",
		Short: "Pattern learning and decision engine",
		Long: `plsd answers recurring customer questions from learned patterns.

Confident matches are sent automatically, weaker ones are queued for
operator review, and everything else is escalated. Operator replies
teach the engine new patterns.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/plsd/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "plsd\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
