package cli

import (
	"fmt"
	"io"

	"opencode-trace/internal/highlight"
	"opencode-trace/internal/index"
	"opencode-trace/internal/service"

	"github.com/spf13/cobra"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		req    service.SearchRequest
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text or regex search across conversations",
		Long: `Search the index for a phrase. Results are grouped per conversation,
most recently updated first, with up to three matching snippets each.
Archived conversations are left out.

Examples:
  opencode-trace search "connection refused"
  opencode-trace search --dir ~/src/api migrate
  opencode-trace search --regex 'TODO\(\w+\)'`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			req.Query = args[0]
			results := a.svc.Search(cmd.Context(), req)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			printSearchResults(cmd.OutOrStdout(), results)
			return nil
		}),
	}
	cmd.Flags().StringVar(&req.Directory, "dir", "", "only conversations whose directory starts with this prefix")
	cmd.Flags().IntVarP(&req.Limit, "limit", "n", index.DefaultLimit, "max conversations")
	cmd.Flags().IntVar(&req.SnippetLength, "snippet-length", index.DefaultSnippetLength, "approximate snippet length in characters")
	cmd.Flags().BoolVar(&req.Regex, "regex", false, "treat the query as a regular expression")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func printSearchResults(w io.Writer, results []index.ConversationSearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No matches.")
		return
	}
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s  %s\n", titleStyle.Render(oneLine(displayTitle(r.Title, r.ConversationID), maxLineWidth)), metaStyle.Render(r.ConversationID))
		noun := "matches"
		if r.TotalMatches == 1 {
			noun = "match"
		}
		fmt.Fprintln(w, metaStyle.Render(fmt.Sprintf("  %s | %s | %d %s", dirBase(r.Directory), service.FormatMillis(r.TimeUpdated), r.TotalMatches, noun)))
		for _, m := range r.Matches {
			snippet := highlight.RenderMarkers(m.Snippet, highlightMatch)
			fmt.Fprintf(w, "  [%s] %s\n", m.Role, oneLine(snippet, maxLineWidth))
		}
	}
}

func newDirsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dirs",
		Short: "List indexed project directories",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			dirs := a.svc.ListDirectories(cmd.Context())
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), dirs)
			}
			for _, d := range dirs {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print directories as JSON")
	return cmd
}
