package cli

import (
	"fmt"
	"io"

	"opencode-trace/internal/service"

	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var (
		all      bool
		archived bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Long: `List conversations with title and slug overrides applied.

By default archived conversations, child sessions and subagent runs are
hidden. --all shows children and subagents; --archived lists only the
archived ones.`,
		Args: cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			var (
				items []service.ConversationSummary
				err   error
			)
			if archived {
				items, err = a.svc.ListArchivedConversations(cmd.Context())
			} else {
				items, err = a.svc.ListConversations(cmd.Context(), all)
			}
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			printConversations(cmd.OutOrStdout(), items)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include child sessions and subagent runs")
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived conversations only")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print conversations as JSON")
	return cmd
}

func printConversations(w io.Writer, items []service.ConversationSummary) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No conversations found.")
		return
	}
	fmt.Fprintf(w, "Conversations (%d):\n\n", len(items))
	for _, c := range items {
		marks := ""
		if c.Archived {
			marks = " [archived]"
		}
		fmt.Fprintf(w, "- %s%s  %s\n", titleStyle.Render(oneLine(displayTitle(c.Title, c.ID), maxLineWidth)), marks, metaStyle.Render(c.ID))
		meta := fmt.Sprintf("  %s | %s | %s", dirBase(c.Directory), service.FormatMillis(c.TimeUpdated), c.Model)
		if c.Slug != "" {
			meta += " | slug: " + c.Slug
		}
		fmt.Fprintln(w, metaStyle.Render(meta))
	}
}
