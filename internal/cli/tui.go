package cli

import (
	"fmt"

	"opencode-trace/internal/export"
	"opencode-trace/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newTUICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse conversations in the terminal (default)",
		Args:  cobra.NoArgs,
		RunE:  a.run(a.runTUI),
	}
}

func (a *app) runTUI(cmd *cobra.Command, args []string) error {
	exp, err := export.New(a.cfg.ExportDir)
	if err != nil {
		return err
	}
	p := tea.NewProgram(ui.NewModel(a.cfg, a.svc, exp, a.logger), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}
