package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newArchiveCmd(a *app, archive bool) *cobra.Command {
	use, short, verb := "archive <id|slug>", "Hide a conversation from listings and search", "Archived"
	if !archive {
		use, short, verb = "unarchive <id|slug>", "Restore an archived conversation", "Unarchived"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := a.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			if archive {
				err = a.svc.Archive(ctx, id)
			} else {
				err = a.svc.Unarchive(ctx, id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, id)
			return nil
		}),
	}
}
