// Package cli provides the command-line interface for opencode-trace.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"opencode-trace/internal/config"
	"opencode-trace/internal/service"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// app carries the state shared by every subcommand once PersistentPreRunE
// has loaded config and opened the stores.
type app struct {
	flags  config.Overrides
	cfg    config.AppConfig
	logger *slog.Logger
	svc    *service.Service

	closeLog func() error
}

// NewRootCmd builds a fresh command tree. Running it without a subcommand
// starts the terminal browser.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "opencode-trace",
		Short: "Search, browse and export OpenCode conversation history",
		Long: `opencode-trace mirrors the OpenCode session database into a local
full-text index, then lets you search, rename, archive and export
conversations without ever writing to OpenCode's own files.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		RunE:              a.run(a.runTUI),
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.ConfigFile, "config", "", "config file (default ~/.config/opencode-trace/config.yaml)")
	pf.StringVar(&a.flags.UpstreamDB, "upstream-db", "", "path to the OpenCode database")
	pf.StringVar(&a.flags.DataDir, "data-dir", "", "directory for opencode-trace databases and logs")
	pf.StringVar(&a.flags.ExportDir, "export-dir", "", "directory for exported transcripts")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newTUICmd(a),
		newSyncCmd(a),
		newRebuildCmd(a),
		newSearchCmd(a),
		newDirsCmd(a),
		newListCmd(a),
		newArchiveCmd(a, true),
		newArchiveCmd(a, false),
		newOverrideCmd(a),
		newExportCmd(a),
	)
	return root
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" {
		return nil
	}
	cfg, err := config.Load(a.flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	// The browser owns the terminal, so its logs go to the file only.
	quiet := cmd.Name() == "tui" || cmd == cmd.Root()
	a.logger, a.closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel, quiet)

	svc, err := service.Open(service.Options{
		UpstreamPath:  cfg.UpstreamDB,
		ExtensionPath: cfg.ExtensionDB,
		MirrorPath:    cfg.MirrorDB,
		Logger:        a.logger,
	})
	if err != nil {
		_ = a.teardown()
		return fmt.Errorf("open stores: %w", err)
	}
	a.svc = svc
	return nil
}

// run wraps a RunE so the stores close whether or not the command fails.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		return errors.Join(err, a.teardown())
	}
}

func (a *app) teardown() error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
		a.svc = nil
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
		a.closeLog = nil
	}
	return errors.Join(errs...)
}

// resolve maps an id or slug argument to a canonical conversation id.
func (a *app) resolve(ctx context.Context, idOrSlug string) (string, error) {
	id, err := a.svc.Resolve(ctx, idOrSlug)
	if errors.Is(err, service.ErrNotFound) {
		return "", fmt.Errorf("no conversation with id or slug %q", idOrSlug)
	}
	return id, err
}
