// Package presets builds ready-to-use registries for common setups.
package presets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/config"
	"github.com/tendant/simple-registry/pkg/registry/repo/memory"
	"github.com/tendant/simple-registry/pkg/registry/search/database"
	memorystorage "github.com/tendant/simple-registry/pkg/registry/storage/memory"
	"github.com/tendant/simple-registry/pkg/registry/urlstrategy"
)

// NewDevelopment creates a registry configured for local development.
//
// Features:
//   - SQLite catalog at ./dev-data/registry.db
//   - Filesystem storage at ./dev-data/packages
//   - Database search (no external search engine)
//   - URLs under http://localhost:8080
//
// The returned cleanup function closes the services and removes the data
// directory.
//
// Example:
//
//	svc, cleanup, err := presets.NewDevelopment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func NewDevelopment(opts ...DevelopmentOption) (registry.Service, func(), error) {
	cfg := &devConfig{
		dataDir: "./dev-data",
		baseURL: "http://localhost:8080",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	serverConfig, err := config.Load(func(c *config.ServerConfig) error {
		c.Server.BaseURL = cfg.baseURL
		c.Database.Type = "sqlite"
		c.Database.ConnectionString = filepath.Join(cfg.dataDir, "registry.db")
		c.Storage.Type = "filesystem"
		c.Storage.Path = filepath.Join(cfg.dataDir, "packages")
		c.Search.Type = "database"
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	services, err := serverConfig.BuildServices(ctx, cfg.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build services: %w", err)
	}
	if err := services.Migrate(ctx); err != nil {
		services.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	cleanup := func() {
		services.Close()
		os.RemoveAll(cfg.dataDir)
	}
	return services.Registry, cleanup, nil
}

// NewTesting creates a registry for unit tests. Every backend is in memory,
// so registries created in parallel tests are isolated.
//
// Example:
//
//	func TestMyFeature(t *testing.T) {
//	    svc := presets.NewTesting(t)
//	    ...
//	}
func NewTesting(t testing.TB, opts ...TestingOption) registry.Service {
	t.Helper()
	cfg := &testConfig{baseURL: "http://registry.test"}
	for _, opt := range opts {
		opt(cfg)
	}

	db := memory.New()
	options := append([]registry.Option{
		registry.WithDatabase(db),
		registry.WithStorage(memorystorage.New()),
		registry.WithSearchIndex(database.New(db)),
		registry.WithURLGenerator(urlstrategy.NewServerStrategy(cfg.baseURL, "")),
		registry.WithLogger(slog.New(slog.DiscardHandler)),
	}, cfg.options...)

	svc, err := registry.New(options...)
	if err != nil {
		t.Fatalf("failed to create test registry: %v", err)
	}
	return svc
}

// NewProduction creates a registry from the environment, the way the server
// binary does, and refuses in-memory backends.
//
// Required Environment Variables:
//   - DATABASE_TYPE: "sqlite", "mysql", "sqlserver" or "postgres"
//   - DATABASE_URL: connection string
//   - STORAGE_TYPE: "filesystem", "s3", "gcs", "azure" or "bucket"
//   - REGISTRY_BASE_URL: public URL of the registry
//
// The caller owns the returned services and must Close them.
func NewProduction(ctx context.Context, opts ...ProductionOption) (*config.Services, error) {
	cfg := &prodConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	loadOptions := append([]config.Option{config.WithEnv()}, cfg.overrides...)
	serverConfig, err := config.Load(loadOptions...)
	if err != nil {
		return nil, err
	}

	if serverConfig.Database.Type == "memory" {
		return nil, fmt.Errorf("production preset requires a persistent database (memory not allowed in production)")
	}
	if serverConfig.Storage.Type == "memory" {
		return nil, fmt.Errorf("production preset requires persistent storage (memory not allowed in production)")
	}
	if serverConfig.Database.ConnectionString == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for production")
	}

	services, err := serverConfig.BuildServices(ctx, cfg.logger)
	if err != nil {
		return nil, err
	}
	if err := services.Migrate(ctx); err != nil {
		services.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return services, nil
}

type devConfig struct {
	dataDir string
	baseURL string
	logger  *slog.Logger
}

type testConfig struct {
	baseURL string
	options []registry.Option
}

type prodConfig struct {
	overrides []config.Option
	logger    *slog.Logger
}

// DevelopmentOption is a functional option for NewDevelopment
type DevelopmentOption func(*devConfig)

// WithDevDataDir sets the development data directory
func WithDevDataDir(dir string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.dataDir = dir
	}
}

// WithDevBaseURL sets the public URL used in generated documents
func WithDevBaseURL(baseURL string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.baseURL = baseURL
	}
}

// WithDevLogger sets the development logger
func WithDevLogger(logger *slog.Logger) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.logger = logger
	}
}

// TestingOption is a functional option for NewTesting
type TestingOption func(*testConfig)

// WithTestBaseURL sets the public URL used in generated documents
func WithTestBaseURL(baseURL string) TestingOption {
	return func(cfg *testConfig) {
		cfg.baseURL = baseURL
	}
}

// WithTestServiceOptions passes extra options to registry.New
func WithTestServiceOptions(options ...registry.Option) TestingOption {
	return func(cfg *testConfig) {
		cfg.options = append(cfg.options, options...)
	}
}

// ProductionOption is a functional option for NewProduction
type ProductionOption func(*prodConfig)

// WithProdConfig applies configuration on top of the environment
func WithProdConfig(opts ...config.Option) ProductionOption {
	return func(cfg *prodConfig) {
		cfg.overrides = append(cfg.overrides, opts...)
	}
}

// WithProdLogger sets the production logger
func WithProdLogger(logger *slog.Logger) ProductionOption {
	return func(cfg *prodConfig) {
		cfg.logger = logger
	}
}
