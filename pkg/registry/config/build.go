package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/objectkey"
	"github.com/tendant/simple-registry/pkg/registry/provider"
	repomemory "github.com/tendant/simple-registry/pkg/registry/repo/memory"
	repopg "github.com/tendant/simple-registry/pkg/registry/repo/postgres"
	"github.com/tendant/simple-registry/pkg/registry/repo/sqldb"
	dbsearch "github.com/tendant/simple-registry/pkg/registry/search/database"
	redisindex "github.com/tendant/simple-registry/pkg/registry/search/redis"
	bucketstorage "github.com/tendant/simple-registry/pkg/registry/storage/bucket"
	fsstorage "github.com/tendant/simple-registry/pkg/registry/storage/fs"
	gcsstorage "github.com/tendant/simple-registry/pkg/registry/storage/gcs"
	memorystorage "github.com/tendant/simple-registry/pkg/registry/storage/memory"
	s3storage "github.com/tendant/simple-registry/pkg/registry/storage/s3"
	"github.com/tendant/simple-registry/pkg/registry/urlstrategy"
)

// Services holds the backends selected for a configuration and the registry
// service built on top of them.
type Services struct {
	Registry registry.Service
	Database registry.Database
	Storage  registry.BlobStore
	Search   registry.SearchIndex
	URLs     registry.URLGenerator

	// Providers maps each backend kind to the provider that was selected.
	Providers map[string]string

	closers []func() error
}

// Pinger is implemented by backends that support readiness checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Migrate brings the database schema up to date when the database manages one
func (s *Services) Migrate(ctx context.Context) error {
	m, ok := s.Database.(registry.Migrator)
	if !ok {
		return nil
	}
	return m.Migrate(ctx)
}

// Ping checks every backend that supports it
func (s *Services) Ping(ctx context.Context) error {
	var result *multierror.Error
	for _, backend := range []any{s.Database, s.Search} {
		if p, ok := backend.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// Close releases every backend connection
func (s *Services) Close() error {
	var result *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.closers = nil
	return result.ErrorOrNil()
}

func (s *Services) addCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		s.closers = append(s.closers, c.Close)
	}
}

// BuildServices selects one provider per backend kind and assembles the
// registry service.
func (c *ServerConfig) BuildServices(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Services{Providers: make(map[string]string)}

	db, name, err := databaseProviders().Select(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to build database: %w", err)
	}
	svc.Database = db
	svc.Providers["database"] = name
	svc.addCloser(db)

	store, name, err := storageProviders().Select(ctx, c)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to build storage: %w", err)
	}
	svc.Storage = store
	svc.Providers["storage"] = name
	svc.addCloser(store)

	index, name, err := searchProviders(db).Select(ctx, c)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to build search index: %w", err)
	}
	svc.Search = index
	svc.Providers["search"] = name
	svc.addCloser(index)

	keys := c.keyGenerator()
	urls, err := c.urlGenerator(keys)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.URLs = urls

	svc.Registry, err = registry.New(
		registry.WithDatabase(db),
		registry.WithStorage(store),
		registry.WithSearchIndex(index),
		registry.WithURLGenerator(urls),
		registry.WithKeyGenerator(keys),
		registry.WithLogger(logger),
		registry.WithPublishPolicy(registry.PublishPolicy{
			Denylist:        c.Publish.Denylist,
			MaxPackageSize:  c.Publish.MaxPackageSize,
			RequireMetadata: c.Publish.RequireMetadata,
		}),
		registry.WithRegistrationPaging(registry.RegistrationPaging{
			InlineThreshold: c.Registration.InlineThreshold,
			PageSize:        c.Registration.PageSize,
		}),
		registry.WithMaxSearchTake(c.Search.MaxTake),
		registry.WithDeletionBehavior(registry.DeletionBehavior(c.Publish.DeletionBehavior)),
	)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to create registry service: %w", err)
	}

	logger.Info("Registry backends selected",
		"database", svc.Providers["database"],
		"storage", svc.Providers["storage"],
		"search", svc.Providers["search"])
	return svc, nil
}

func (c *ServerConfig) keyGenerator() objectkey.Generator {
	var keys objectkey.Generator = objectkey.NewDefaultGenerator()
	if c.Storage.KeyLayout == "sharded" {
		keys = objectkey.NewShardedGenerator()
	}
	if c.Storage.KeyPrefix != "" {
		keys = objectkey.NewPrefixedGenerator(keys, c.Storage.KeyPrefix)
	}
	return keys
}

func (c *ServerConfig) urlGenerator(keys objectkey.Generator) (registry.URLGenerator, error) {
	server := urlstrategy.NewServerStrategy(c.Server.BaseURL, c.Server.PathBase)
	if c.Storage.CDNBaseURL == "" {
		return server, nil
	}
	cdn, err := urlstrategy.NewCDNStrategy(server, c.Storage.CDNBaseURL, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to build CDN url strategy: %w", err)
	}
	return cdn, nil
}

func databaseType(c *ServerConfig) string { return c.Database.Type }
func storageType(c *ServerConfig) string  { return c.Storage.Type }
func searchType(c *ServerConfig) string   { return c.Search.Type }

func databaseProviders() *provider.Registry[*ServerConfig, registry.Database] {
	return provider.New[*ServerConfig, registry.Database]("database").
		Register("memory", provider.TypeIs(databaseType, "memory"),
			func(ctx context.Context, c *ServerConfig) (registry.Database, error) {
				return repomemory.New(), nil
			}).
		Register("sqlite", provider.TypeIs(databaseType, "sqlite"),
			func(ctx context.Context, c *ServerConfig) (registry.Database, error) {
				return sqldb.Open(sqldb.SQLite, c.Database.ConnectionString)
			}).
		Register("mysql", provider.TypeIs(databaseType, "mysql"),
			func(ctx context.Context, c *ServerConfig) (registry.Database, error) {
				return sqldb.Open(sqldb.MySQL, c.Database.ConnectionString)
			}).
		Register("sqlserver", provider.TypeIs(databaseType, "sqlserver"),
			func(ctx context.Context, c *ServerConfig) (registry.Database, error) {
				return sqldb.Open(sqldb.SQLServer, c.Database.ConnectionString)
			}).
		Register("postgres", provider.TypeIs(databaseType, "postgres"),
			func(ctx context.Context, c *ServerConfig) (registry.Database, error) {
				pool, err := newPostgresPool(ctx, c.Database.ConnectionString, c.Database.Schema)
				if err != nil {
					return nil, err
				}
				return &postgresDatabase{Repository: repopg.NewWithPool(pool), pool: pool}, nil
			})
}

// postgresDatabase ties the pool lifetime to the repository
type postgresDatabase struct {
	*repopg.Repository
	pool *pgxpool.Pool
}

func (p *postgresDatabase) Close() error {
	p.pool.Close()
	return nil
}

func newPostgresPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

func storageProviders() *provider.Registry[*ServerConfig, registry.BlobStore] {
	return provider.New[*ServerConfig, registry.BlobStore]("storage").
		Register("filesystem", provider.TypeIs(storageType, "filesystem"),
			func(ctx context.Context, c *ServerConfig) (registry.BlobStore, error) {
				return fsstorage.New(fsstorage.Config{
					BaseDir:   c.Storage.Path,
					URLPrefix: c.Storage.URLPrefix,
				})
			}).
		Register("memory", provider.TypeIs(storageType, "memory"),
			func(ctx context.Context, c *ServerConfig) (registry.BlobStore, error) {
				return memorystorage.New(), nil
			}).
		Register("s3", provider.TypeIs(storageType, "s3"),
			func(ctx context.Context, c *ServerConfig) (registry.BlobStore, error) {
				s3 := c.Storage.S3
				return s3storage.New(ctx, s3storage.Config{
					Region:                 s3.Region,
					Bucket:                 s3.Bucket,
					Prefix:                 s3.Prefix,
					AccessKeyID:            s3.AccessKeyID,
					SecretAccessKey:        s3.SecretAccessKey,
					Endpoint:               s3.Endpoint,
					UsePathStyle:           s3.UsePathStyle,
					PresignDuration:        s3.PresignDuration,
					EnableSSE:              s3.EnableSSE,
					SSEAlgorithm:           s3.SSEAlgorithm,
					SSEKMSKeyID:            s3.SSEKMSKeyID,
					CreateBucketIfNotExist: s3.CreateBucketIfNotExist,
				})
			}).
		Register("gcs", provider.TypeIs(storageType, "gcs"),
			func(ctx context.Context, c *ServerConfig) (registry.BlobStore, error) {
				return gcsstorage.New(ctx, gcsstorage.Config{
					Bucket:          c.Storage.GCS.Bucket,
					Prefix:          c.Storage.GCS.Prefix,
					SignedURLExpiry: c.Storage.SignedURLExpiry,
					PublicRead:      c.Storage.GCS.PublicRead,
				})
			}).
		Register("azure", provider.TypeIs(storageType, "azure"), openBucket).
		Register("bucket", provider.TypeIs(storageType, "bucket"), openBucket)
}

func openBucket(ctx context.Context, c *ServerConfig) (registry.BlobStore, error) {
	return bucketstorage.New(ctx, bucketstorage.Config{
		URL:             c.Storage.BucketURL,
		Prefix:          c.Storage.BucketPrefix,
		SignedURLExpiry: c.Storage.SignedURLExpiry,
	})
}

func searchProviders(db registry.Database) *provider.Registry[*ServerConfig, registry.SearchIndex] {
	return provider.New[*ServerConfig, registry.SearchIndex]("search").
		Register("database", provider.TypeIs(searchType, "database"),
			func(ctx context.Context, c *ServerConfig) (registry.SearchIndex, error) {
				return dbsearch.New(db), nil
			}).
		Register("redis", provider.TypeIs(searchType, "redis"),
			func(ctx context.Context, c *ServerConfig) (registry.SearchIndex, error) {
				return redisindex.NewFromConfig(c.Search.Redis)
			})
}
