package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPersonaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Inspect configured personas",
	}
	cmd.AddCommand(newPersonaListCmd(), newPersonaInfoCmd())
	return cmd
}

func newPersonaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List personas found under the personas directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			names := app.loader.ListAvailable()
			if len(names) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No personas found under %s\n", app.cfg.PersonasDir)
				return nil
			}

			out := cmd.OutOrStdout()
			for _, name := range names {
				p, err := app.loader.Load(name)
				if err != nil {
					fmt.Fprintf(out, "%-16s (unloadable: %v)\n", name, err)
					continue
				}
				fmt.Fprintf(out, "%-16s %s, %s\n", name, p.Identity.Name, p.Domain)
			}
			return nil
		},
	}
}

func newPersonaInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show a persona's identity, workflows, and knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			p, err := app.loader.Load(args[0])
			if err != nil {
				return err
			}

			s := p.Summarize()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", s.Name)
			fmt.Fprintf(out, "Identity:   %s\n", s.Identity)
			fmt.Fprintf(out, "Domain:     %s\n", s.Domain)
			if s.Description != "" {
				fmt.Fprintf(out, "About:      %s\n", s.Description)
			}
			fmt.Fprintf(out, "Workflows:  %s\n", strings.Join(s.Workflows, ", "))
			fmt.Fprintf(out, "Guidelines: %d\n", s.Guidelines)
			fmt.Fprintf(out, "Knowledge:  %s\n", s.KnowledgeDir)
			return nil
		},
	}
}
