package cli

import (
	"fmt"

	"opencode-trace/internal/export"

	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	var (
		asJSON    bool
		output    string
		tools     bool
		reasoning bool
	)
	cmd := &cobra.Command{
		Use:   "export <id|slug>",
		Short: "Write a conversation to Markdown or JSON",
		Long: `Export writes a conversation with its overrides applied. Markdown goes to
docs/opencode/ under the conversation's git repository unless --export-dir
or -o is given. Use -o - to print to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := a.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			conv, err := a.svc.LoadConversationExport(ctx, id)
			if err != nil {
				return fmt.Errorf("load conversation: %w", err)
			}
			exp, err := export.New(a.cfg.ExportDir)
			if err != nil {
				return err
			}

			format := export.Markdown
			if asJSON {
				format = export.JSON
			}
			toggles := export.TranscriptToggles{IncludeTools: tools, IncludeReasoning: reasoning}

			if output == "-" {
				body, err := exp.Render(conv, format, toggles)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}

			var path string
			if output != "" {
				path, err = exp.ExportTo(output, conv, format, toggles)
			} else {
				path, err = exp.Export(conv, format, toggles)
			}
			if err != nil {
				return err
			}
			a.logger.Info("exported conversation", "id", id, "path", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", id, path)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "export the raw session JSON instead of Markdown")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, or - for stdout")
	cmd.Flags().BoolVar(&tools, "tools", false, "include tool calls in Markdown")
	cmd.Flags().BoolVar(&reasoning, "reasoning", false, "include reasoning in Markdown")
	return cmd
}
