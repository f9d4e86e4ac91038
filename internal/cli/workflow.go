package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scholarlab/lectern/internal/workflow"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and run workflows",
	}
	cmd.AddCommand(newWorkflowListCmd(), newWorkflowRunCmd())
	return cmd
}

func newWorkflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			out := cmd.OutOrStdout()
			for _, spec := range app.engine.Registry().List() {
				fmt.Fprintf(out, "%-10s %s\n", spec.Name, spec.Description)
				fmt.Fprintf(out, "%-10s required: %s\n", "", strings.Join(spec.RequiredInputs, ", "))
				if len(spec.OptionalInputs) > 0 {
					fmt.Fprintf(out, "%-10s optional: %s\n", "", strings.Join(spec.OptionalInputs, ", "))
				}
			}
			return nil
		},
	}
}

func newWorkflowRunCmd() *cobra.Command {
	var personaName string
	var extra []string
	cmd := &cobra.Command{
		Use:   "run <name> <query>",
		Short: "Run any workflow by name with its primary input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, ok := workflow.DefaultRegistry().Get(args[0])
			if !ok {
				return fmt.Errorf("unknown workflow: %s", args[0])
			}

			inputs := map[string]string{spec.QueryInput: args[1]}
			for _, kv := range extra {
				key, value, found := strings.Cut(kv, "=")
				if !found {
					return fmt.Errorf("invalid --input %q, expected key=value", kv)
				}
				inputs[key] = value
			}
			return execWorkflow(cmd, personaName, args[0], inputs)
		},
	}
	bindPersonaFlag(cmd, &personaName)
	cmd.Flags().StringArrayVar(&extra, "input", nil, "additional input as key=value (repeatable)")
	return cmd
}
