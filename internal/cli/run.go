package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/scholarlab/lectern/internal/workflow"
	"github.com/scholarlab/lectern/pkg/models"
)

// stagePrinter echoes stage transitions to the terminal.
type stagePrinter struct {
	out io.Writer
}

func (p *stagePrinter) OnStage(stage models.Stage, detail string) {
	if detail != "" {
		fmt.Fprintf(p.out, "  %s %s\n", stage, detail)
		return
	}
	fmt.Fprintf(p.out, "  %s\n", stage)
}

// execWorkflow runs one workflow and renders the outcome. A failed or
// paused run returns an error so the process exits non-zero.
func execWorkflow(cmd *cobra.Command, personaName, workflowName string, inputs map[string]string) error {
	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running %s as %s\n", workflowName, personaName)

	start := time.Now()
	result, err := app.engine.Run(cmd.Context(), workflow.RunRequest{
		Workflow: workflowName,
		Persona:  personaName,
		Inputs:   inputs,
		Observer: &stagePrinter{out: out},
	})
	if err != nil {
		return err
	}

	switch result.Status {
	case models.RunCompleted:
		fmt.Fprintf(out, "\nDone in %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "  Score:      %.1f/10\n", result.FinalScore)
		fmt.Fprintf(out, "  Iterations: %d reasoning, %d validation\n",
			result.ReasoningIterations, result.ValidationIterations)
		if n := result.Artifacts["extracted_files"]; n != "" {
			fmt.Fprintf(out, "  Sources:    %s knowledge base files\n", n)
		}
		fmt.Fprintf(out, "  Output:     %s\n", result.OutputPath)
		return nil
	case models.RunPaused:
		return fmt.Errorf("run paused (%s): token budget nearly exhausted, raise LECTERN_MAX_TOKENS or set LECTERN_BREACH_POLICY=reconstruct", result.PauseReason)
	default:
		return errors.New(result.Error)
	}
}

func bindPersonaFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "persona", "p", "", "persona to run as (required)")
	cmd.MarkFlagRequired("persona")
}

func newExplainCmd() *cobra.Command {
	var personaName string
	cmd := &cobra.Command{
		Use:   "explain <topic>",
		Short: "Explain an academic concept with citations from the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execWorkflow(cmd, personaName, "explain", map[string]string{"topic": args[0]})
		},
	}
	bindPersonaFlag(cmd, &personaName)
	return cmd
}

func newReviewCmd() *cobra.Command {
	var personaName, rubric string
	cmd := &cobra.Command{
		Use:   "review <submission-path>",
		Short: "Review a student submission against persona standards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs := map[string]string{"submission_path": args[0]}
			if rubric != "" {
				inputs["rubric_path"] = rubric
			}
			return execWorkflow(cmd, personaName, "review", inputs)
		},
	}
	bindPersonaFlag(cmd, &personaName)
	cmd.Flags().StringVar(&rubric, "rubric", "", "path to a grading rubric")
	return cmd
}

func newGuideCmd() *cobra.Command {
	var personaName string
	cmd := &cobra.Command{
		Use:   "guide <assignment>",
		Short: "Produce Socratic guidance for an assignment without giving answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execWorkflow(cmd, personaName, "guide", map[string]string{"assignment": args[0]})
		},
	}
	bindPersonaFlag(cmd, &personaName)
	return cmd
}
