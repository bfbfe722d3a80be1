package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"opencode-trace/internal/extension"

	"github.com/spf13/cobra"
)

type overrideView struct {
	ID       string  `json:"id"`
	Title    *string `json:"title"`
	Slug     *string `json:"slug"`
	Archived bool    `json:"archived"`
}

func viewOf(c extension.Conversation) overrideView {
	return overrideView{ID: c.ID, Title: c.Title, Slug: c.Slug, Archived: c.Archived}
}

func newOverrideCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Inspect or change title and slug overrides",
		Long: `Overrides replace the upstream title or slug in listings, search
results and exports. Upstream data is never modified.

Examples:
  opencode-trace override get ses_abc
  opencode-trace override set ses_abc --title "Auth refactor" --slug auth
  opencode-trace override set auth --clear-title
  opencode-trace override clear auth`,
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the override row as JSON")

	printRow := func(w io.Writer, c extension.Conversation) error {
		if asJSON {
			return writeJSON(w, viewOf(c))
		}
		printOverride(w, c)
		return nil
	}

	getCmd := &cobra.Command{
		Use:   "get <id|slug>",
		Short: "Show the overrides stored for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := a.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			c, err := a.svc.Extension().Get(ctx, id)
			if err != nil {
				return err
			}
			if c == nil {
				c = &extension.Conversation{ID: id}
			}
			return printRow(cmd.OutOrStdout(), *c)
		}),
	}

	var (
		title, slug           string
		clearTitle, clearSlug bool
	)
	setCmd := &cobra.Command{
		Use:   "set <id|slug>",
		Short: "Set or clear the title and slug overrides",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			titleField, err := overrideField(flags.Changed("title"), title, clearTitle, "title")
			if err != nil {
				return err
			}
			slugField, err := overrideField(flags.Changed("slug"), slug, clearSlug, "slug")
			if err != nil {
				return err
			}
			if !titleField.IsSet() && !slugField.IsSet() {
				return errors.New("nothing to change: pass --title, --slug, --clear-title or --clear-slug")
			}
			return a.applyOverride(cmd.Context(), cmd.OutOrStdout(), args[0], printRow, titleField, slugField)
		}),
	}
	setCmd.Flags().StringVar(&title, "title", "", "title override")
	setCmd.Flags().StringVar(&slug, "slug", "", "slug override, unique across conversations")
	setCmd.Flags().BoolVar(&clearTitle, "clear-title", false, "revert the title to upstream")
	setCmd.Flags().BoolVar(&clearSlug, "clear-slug", false, "revert the slug to upstream")

	clearCmd := &cobra.Command{
		Use:   "clear <id|slug>",
		Short: "Revert title and slug to upstream, keeping archived state",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			return a.applyOverride(cmd.Context(), cmd.OutOrStdout(), args[0], printRow, extension.Null(), extension.Null())
		}),
	}

	cmd.AddCommand(getCmd, setCmd, clearCmd)
	return cmd
}

func (a *app) applyOverride(ctx context.Context, w io.Writer, idOrSlug string, printRow func(io.Writer, extension.Conversation) error, title, slug extension.Field) error {
	id, err := a.resolve(ctx, idOrSlug)
	if err != nil {
		return err
	}
	c, err := a.svc.SetOverrides(ctx, id, title, slug)
	if errors.Is(err, extension.ErrSlugTaken) {
		return fmt.Errorf("slug is already used by another conversation: %w", err)
	}
	if err != nil {
		return err
	}
	return printRow(w, c)
}

// overrideField turns a value flag and its clear flag into a tri-state field.
func overrideField(changed bool, value string, clearFlag bool, name string) (extension.Field, error) {
	switch {
	case changed && clearFlag:
		return extension.Field{}, fmt.Errorf("--%s and --clear-%s are mutually exclusive", name, name)
	case clearFlag:
		return extension.Null(), nil
	case changed:
		return extension.Value(value), nil
	}
	return extension.Unset(), nil
}

func printOverride(w io.Writer, c extension.Conversation) {
	show := func(v *string) string {
		if v == nil {
			return "(upstream)"
		}
		return *v
	}
	fmt.Fprintf(w, "id:       %s\n", c.ID)
	fmt.Fprintf(w, "title:    %s\n", show(c.Title))
	fmt.Fprintf(w, "slug:     %s\n", show(c.Slug))
	fmt.Fprintf(w, "archived: %t\n", c.Archived)
}
