// Package cli implements the lectern command line interface.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var verbose bool

// NewRootCmd builds the lectern command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lectern",
		Short: "Academic research assistant with iterative quality control",
		Long: `Lectern runs persona-driven academic workflows: each run extracts
relevant knowledge base material, drafts with an LLM, scores the draft
against the source material, and revises until it passes or the
iteration budget runs out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newExplainCmd(),
		newReviewCmd(),
		newGuideCmd(),
		newWorkflowCmd(),
		newPersonaCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lectern version",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			fmt.Fprintf(cmd.OutOrStdout(), "lectern %s\n", app.cfg.Version)
			return nil
		},
	}
}
