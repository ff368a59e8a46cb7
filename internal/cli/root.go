// Package cli implements the handbook command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"handbook/internal/app"
	"handbook/internal/config"
	"handbook/internal/handbook"
	"handbook/internal/logger"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "handbook",
		Short: "Grounded long-form handbook generator",
		Long: `Ingest documents into a vector store, ask grounded questions about them,
and generate resumable long-form handbooks with per-section citations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"Path to YAML config file (default ./handbook.yaml, then ~/.config/handbook/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error, disabled)")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "Write logs as JSON")

	root.AddCommand(
		newIngestCommand(opts),
		newDeleteCommand(opts),
		newResetCommand(opts),
		newQueryCommand(opts),
		newAskCommand(opts),
		newGenerateCommand(opts),
		newResumeCommand(opts),
		newStatusCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// Execute runs the command tree with ctx and returns the first error.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (o *globalOptions) loadConfig() (*config.AppConfig, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if o.configPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(o.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logJSON {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

// withLogger attaches the configured logger to the command context.
func (o *globalOptions) withLogger(cmd *cobra.Command, cfg *config.AppConfig) context.Context {
	log := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
	logger.SetDefault(log)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logger.ContextWithLogger(ctx, log)
}

// withApp loads config, builds the application and hands both to fn.
func (o *globalOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	ctx := o.withLogger(cmd, cfg)
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.FromContext(ctx).Warn("Failed to close vector store", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

// runPath accepts either an artifact path or a topic.
func runPath(cfg *config.AppConfig, arg string) string {
	if strings.HasSuffix(arg, ".md") {
		return arg
	}
	if _, err := os.Stat(arg); err == nil {
		return arg
	}
	return handbook.PathFor(cfg.Generation.OutputDir, arg)
}

func displayPath(p string) string {
	if rel, err := filepath.Rel(".", p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}
