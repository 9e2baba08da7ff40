// Command registry serves a NuGet v3 package registry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-registry/pkg/registry/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries the flags shared by every command
type cli struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "registry",
		Short: "NuGet v3 package registry",
		Long: `A NuGet v3 package registry.

Without a subcommand the database is migrated and the server started.
Configuration is read from --config, or registry.yaml in $REGISTRY_CONFIG_ROOT,
and then from the environment (see "registry config env").`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context(), true)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML, JSON or TOML configuration file")

	root.AddCommand(
		c.newServeCommand(),
		c.newMigrateCommand(),
		c.newReindexCommand(),
		c.newImportCommand(),
		newConfigCommand(),
	)
	return root
}

// load reads the configuration and creates the logger for it
func (c *cli) load() (*config.ServerConfig, *slog.Logger, error) {
	source := config.WithDefaultFile()
	if c.configPath != "" {
		source = config.WithFile(c.configPath)
	}
	cfg, err := config.Load(source, config.WithEnv())
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return nil, nil, err
	}
	return cfg, newLogger(cfg), nil
}

// setup loads the configuration and builds every backend
func (c *cli) setup(ctx context.Context) (*config.ServerConfig, *config.Services, *slog.Logger, error) {
	cfg, logger, err := c.load()
	if err != nil {
		return nil, nil, nil, err
	}
	services, err := cfg.BuildServices(ctx, logger)
	if err != nil {
		logger.Error("Failed to build services", "error", err)
		return nil, nil, nil, err
	}
	return cfg, services, logger, nil
}

func newLogger(cfg *config.ServerConfig) *slog.Logger {
	var handler slog.Handler
	if cfg.IsDevelopment() {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "env",
		Short: "List the environment variables the registry reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := config.Usage()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usage)
			return nil
		},
	})
	return cmd
}
