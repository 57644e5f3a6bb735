package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/savedplaces/internal/checkpoint"
	"github.com/JakeFAU/savedplaces/internal/config"
	"github.com/JakeFAU/savedplaces/internal/index"
)

var errNoRecords = errors.New("checkpoint log has no records")

func newIndexCmd() *cobra.Command {
	var driver, dsn string
	cmd := &cobra.Command{
		Use:   "index <checkpoint-log>",
		Short: "Load the complete records of a checkpoint log into SQL",
		Long: `Reads a checkpoint log and upserts every complete record into the places
table, keyed by canonical place ID. SQLite is the default; set index.driver to
postgres and index.dsn to a connection string for a server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg.Index
			if driver != "" {
				cfg.Driver = driver
			}
			if dsn != "" {
				cfg.DSN = dsn
			}
			return runIndex(cmd, args[0], cfg, e.logger)
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "sqlite or postgres (overrides index.driver)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database file or connection string (overrides index.dsn)")
	return cmd
}

func runIndex(cmd *cobra.Command, path string, cfg config.IndexConfig, logger *zap.Logger) error {
	ctx := cmd.Context()
	records, skipped, err := checkpoint.Load(path, logger.Named("checkpoint"))
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%s: %w", path, errNoRecords)
	}

	sink, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	res, err := index.Export(ctx, records, sink)
	if err != nil {
		return err
	}
	logger.Info("index export finished",
		zap.String("driver", cfg.Driver),
		zap.Int("exported", res.Exported),
		zap.Int("incomplete", res.Incomplete),
		zap.Int("superseded", res.Superseded),
		zap.Int("malformed_rows", skipped),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d places (%d incomplete, %d superseded, %d malformed rows)\n",
		res.Exported, res.Incomplete, res.Superseded, skipped)
	return nil
}

func openSink(ctx context.Context, cfg config.IndexConfig) (index.Sink, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := index.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	case "postgres":
		pg, err := index.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown index driver %q", cfg.Driver)
	}
}
