package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(a *app) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy new and changed sessions into the search index",
		Long: `Sync reads sessions updated since the last successful run and replaces
their indexed parts. With --full every session is re-read.`,
		Args: cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.Sync(cmd.Context(), full)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d conversations, %d parts indexed.\n", res.ConversationsSynced, res.PartsIndexed)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&full, "full", false, "re-read every session instead of only changed ones")
	return cmd
}

func newRebuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Delete the search index and sync everything again",
		Long:  `Rebuild discards the search index and runs a full sync. Titles, slugs and archived state are kept.`,
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.Rebuild(cmd.Context())
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt index: %d conversations, %d parts indexed.\n", res.ConversationsSynced, res.PartsIndexed)
			return nil
		}),
	}
}
