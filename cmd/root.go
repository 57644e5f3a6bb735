// Package cmd defines the savedplaces command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/savedplaces/internal/config"
	"github.com/JakeFAU/savedplaces/internal/logging"
)

type envKeyType struct{}

var envKey envKeyType

// env carries what every subcommand needs once flags are parsed.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "savedplaces",
		Short: "Enrich saved-place exports with lookup and detail-page data.",
		Long: `savedplaces reads the CSV lists exported from a maps account, resolves
every saved place against the Places API, scrapes its public detail page and
checkpoints the merged records to an append-only CSV log that later runs
resume from. The index command loads a checkpoint log into SQL.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				_ = e.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the SAVEDPLACES_ prefix")
	cmd.AddCommand(newIngestCmd(), newIndexCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// Execute runs the CLI with a context cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
