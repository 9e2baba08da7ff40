package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-registry/pkg/registry/downloads"
	"github.com/tendant/simple-registry/pkg/registry/scan"
)

func (c *cli) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, services, logger, err := c.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer services.Close()

			if err := services.Migrate(cmd.Context()); err != nil {
				logger.Error("Failed to migrate database", "error", err)
				return err
			}
			logger.Info("Database migrated", "database", services.Providers["database"])
			return nil
		},
	}
}

func (c *cli) newReindexCommand() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, services, logger, err := c.setup(ctx)
			if err != nil {
				return err
			}
			defer services.Close()

			scanner := scan.New(services.Database, logger)
			result, err := scanner.Scan(ctx, scan.ScanOptions{
				Processor: &scan.IndexProcessor{Index: services.Search},
				BatchSize: batchSize,
				OnProgress: func(processed, total int64) {
					logger.Info("Reindex progress", "processed", processed, "total", total)
				},
			})
			if err != nil {
				logger.Error("Reindex failed", "error", err)
				return err
			}

			logger.Info("Reindex complete",
				"ids", result.TotalFound,
				"versions", result.TotalVersions,
				"failed", result.TotalFailed)
			if result.TotalFailed > 0 {
				return fmt.Errorf("failed to reindex %d package ids: %v", result.TotalFailed, result.FailedIDs)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", scan.DefaultBatchSize, "package ids processed between progress reports")
	return cmd
}

func (c *cli) newImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import data from other sources",
	}

	var (
		source   string
		interval time.Duration
		watch    bool
	)
	downloadsCmd := &cobra.Command{
		Use:   "downloads",
		Short: "Import download counts from a downloads.v1.json document",
		Long: `Import download counts from a downloads.v1.json document.

The document is fetched from --source, or DOWNLOADS_SOURCE_URL. With --interval,
or --watch and DOWNLOADS_INTERVAL, the import repeats until the process is
stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, services, logger, err := c.setup(ctx)
			if err != nil {
				return err
			}
			defer services.Close()

			if source == "" {
				source = cfg.Downloads.SourceURL
			}
			importer, err := downloads.New(services.Database, source, downloads.WithLogger(logger))
			if err != nil {
				return err
			}

			if watch && interval == 0 {
				interval = cfg.Downloads.Interval
			}
			if interval > 0 {
				return importer.Run(ctx, interval)
			}
			_, err = importer.Import(ctx)
			return err
		},
	}
	downloadsCmd.Flags().StringVar(&source, "source", "", "URL of the downloads.v1.json document")
	downloadsCmd.Flags().DurationVar(&interval, "interval", 0, "repeat the import at this interval (e.g. 24h)")
	downloadsCmd.Flags().BoolVar(&watch, "watch", false, "repeat the import at the configured interval")

	cmd.AddCommand(downloadsCmd)
	return cmd
}
