package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/simple-registry/pkg/registry"
	redisindex "github.com/tendant/simple-registry/pkg/registry/search/redis"
)

// ConfigRootEnv names the directory searched for DefaultFileName
const ConfigRootEnv = "REGISTRY_CONFIG_ROOT"

// DefaultFileName is the configuration file looked up by WithDefaultFile
const DefaultFileName = "registry.yaml"

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Server: ServerSettings{
			Port:            "8080",
			Environment:     "development",
			BaseURL:         "http://localhost:8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseSettings{
			Type:             "sqlite",
			ConnectionString: "registry.db",
		},
		Storage: StorageSettings{
			Type:      "filesystem",
			Path:      "./data",
			KeyLayout: "default",
			S3: S3Settings{
				Region:          "us-east-1",
				PresignDuration: 3600,
				SSEAlgorithm:    "AES256",
			},
		},
		Search: SearchSettings{
			Type:    "database",
			MaxTake: registry.DefaultMaxSearchTake,
			Redis: redisindex.Config{
				Addr:   "localhost:6379",
				Prefix: redisindex.DefaultPrefix,
			},
		},
		Publish: PublishSettings{
			MaxPackageSize:   registry.DefaultMaxPackageSize,
			RequireMetadata:  true,
			DeletionBehavior: string(registry.DeletionHardDelete),
		},
		Registration: RegistrationSettings{
			InlineThreshold: registry.DefaultInlineThreshold,
			PageSize:        registry.DefaultPageSize,
		},
		Downloads: DownloadsSettings{
			Interval: 24 * time.Hour,
		},
	}
}

// ServerConfig represents server configuration for the registry
type ServerConfig struct {
	Server       ServerSettings       `yaml:"server" json:"server" toml:"server"`
	Database     DatabaseSettings     `yaml:"database" json:"database" toml:"database"`
	Storage      StorageSettings      `yaml:"storage" json:"storage" toml:"storage"`
	Search       SearchSettings       `yaml:"search" json:"search" toml:"search"`
	Publish      PublishSettings      `yaml:"publish" json:"publish" toml:"publish"`
	Registration RegistrationSettings `yaml:"registration" json:"registration" toml:"registration"`
	Downloads    DownloadsSettings    `yaml:"downloads" json:"downloads" toml:"downloads"`
}

type ServerSettings struct {
	Port        string `yaml:"port" json:"port" toml:"port" env:"PORT" env-description:"HTTP listen port"`
	Environment string `yaml:"environment" json:"environment" toml:"environment" env:"ENVIRONMENT" env-description:"development, production or testing"`
	// BaseURL is the public scheme and host used in generated URLs.
	BaseURL string `yaml:"base_url" json:"base_url" toml:"base_url" env:"REGISTRY_BASE_URL" env-description:"Public base URL of the registry"`
	// PathBase mounts every route under a sub path, e.g. "/nuget".
	PathBase        string        `yaml:"path_base" json:"path_base" toml:"path_base" env:"REGISTRY_PATH_BASE" env-description:"Sub path all routes are mounted under"`
	APIKey          string        `yaml:"api_key" json:"api_key" toml:"api_key" env:"REGISTRY_API_KEY" env-description:"Key required in X-NuGet-ApiKey for writes; empty disables the check"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" toml:"shutdown_timeout" env:"REGISTRY_SHUTDOWN_TIMEOUT" env-description:"Graceful shutdown timeout"`
}

type DatabaseSettings struct {
	Type             string `yaml:"type" json:"type" toml:"type" env:"DATABASE_TYPE" env-description:"memory, sqlite, mysql, sqlserver or postgres"`
	ConnectionString string `yaml:"connection_string" json:"connection_string" toml:"connection_string" env:"DATABASE_URL" env-description:"Database connection string or SQLite file"`
	// Schema sets the Postgres search_path.
	Schema string `yaml:"schema" json:"schema" toml:"schema" env:"DATABASE_SCHEMA" env-description:"Postgres schema"`
}

type StorageSettings struct {
	Type string `yaml:"type" json:"type" toml:"type" env:"STORAGE_TYPE" env-description:"filesystem, memory, s3, gcs, azure or bucket"`
	// Path is the base directory of filesystem storage.
	Path      string `yaml:"path" json:"path" toml:"path" env:"STORAGE_PATH" env-description:"Filesystem storage directory"`
	URLPrefix string `yaml:"url_prefix" json:"url_prefix" toml:"url_prefix" env:"STORAGE_URL_PREFIX" env-description:"URL under which the filesystem directory is served"`
	// BucketURL is a Go CDK bucket URL for the azure and bucket types.
	BucketURL string `yaml:"bucket_url" json:"bucket_url" toml:"bucket_url" env:"STORAGE_BUCKET_URL" env-description:"Go CDK bucket URL, e.g. azblob://packages"`
	// BucketPrefix scopes the azure and bucket types to part of the bucket.
	BucketPrefix string `yaml:"bucket_prefix" json:"bucket_prefix" toml:"bucket_prefix" env:"STORAGE_BUCKET_PREFIX" env-description:"Object prefix inside the bucket, usually ending in /"`
	// SignedURLExpiry enables signed URLs on gcs and bucket storage.
	SignedURLExpiry time.Duration `yaml:"signed_url_expiry" json:"signed_url_expiry" toml:"signed_url_expiry" env:"STORAGE_SIGNED_URL_EXPIRY" env-description:"Lifetime of signed download URLs"`
	// RedirectDownloads answers content requests with a 303 to the blob URL
	// when the backend can produce one.
	RedirectDownloads bool   `yaml:"redirect_downloads" json:"redirect_downloads" toml:"redirect_downloads" env:"STORAGE_REDIRECT_DOWNLOADS" env-description:"Redirect downloads to direct blob URLs"`
	KeyLayout         string `yaml:"key_layout" json:"key_layout" toml:"key_layout" env:"STORAGE_KEY_LAYOUT" env-description:"default or sharded"`
	KeyPrefix         string `yaml:"key_prefix" json:"key_prefix" toml:"key_prefix" env:"STORAGE_KEY_PREFIX" env-description:"Prefix for every blob path"`
	// CDNBaseURL points archive URLs in protocol documents at a CDN.
	CDNBaseURL string      `yaml:"cdn_base_url" json:"cdn_base_url" toml:"cdn_base_url" env:"STORAGE_CDN_BASE_URL" env-description:"CDN fronting the blob store"`
	S3         S3Settings  `yaml:"s3" json:"s3" toml:"s3"`
	GCS        GCSSettings `yaml:"gcs" json:"gcs" toml:"gcs"`
}

type S3Settings struct {
	Region                 string `yaml:"region" json:"region" toml:"region" env:"AWS_REGION"`
	Bucket                 string `yaml:"bucket" json:"bucket" toml:"bucket" env:"AWS_S3_BUCKET"`
	Prefix                 string `yaml:"prefix" json:"prefix" toml:"prefix" env:"AWS_S3_PREFIX"`
	AccessKeyID            string `yaml:"access_key_id" json:"access_key_id" toml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey        string `yaml:"secret_access_key" json:"secret_access_key" toml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	Endpoint               string `yaml:"endpoint" json:"endpoint" toml:"endpoint" env:"AWS_S3_ENDPOINT" env-description:"Custom endpoint for MinIO or Aliyun OSS"`
	UsePathStyle           bool   `yaml:"use_path_style" json:"use_path_style" toml:"use_path_style" env:"AWS_S3_USE_PATH_STYLE"`
	PresignDuration        int    `yaml:"presign_duration" json:"presign_duration" toml:"presign_duration" env:"AWS_S3_PRESIGN_DURATION" env-description:"Presigned URL lifetime in seconds"`
	EnableSSE              bool   `yaml:"enable_sse" json:"enable_sse" toml:"enable_sse" env:"AWS_S3_ENABLE_SSE"`
	SSEAlgorithm           string `yaml:"sse_algorithm" json:"sse_algorithm" toml:"sse_algorithm" env:"AWS_S3_SSE_ALGORITHM"`
	SSEKMSKeyID            string `yaml:"sse_kms_key_id" json:"sse_kms_key_id" toml:"sse_kms_key_id" env:"AWS_S3_SSE_KMS_KEY_ID"`
	CreateBucketIfNotExist bool   `yaml:"create_bucket_if_not_exist" json:"create_bucket_if_not_exist" toml:"create_bucket_if_not_exist" env:"AWS_S3_CREATE_BUCKET"`
}

type GCSSettings struct {
	Bucket     string `yaml:"bucket" json:"bucket" toml:"bucket" env:"GCS_BUCKET"`
	Prefix     string `yaml:"prefix" json:"prefix" toml:"prefix" env:"GCS_PREFIX"`
	PublicRead bool   `yaml:"public_read" json:"public_read" toml:"public_read" env:"GCS_PUBLIC_READ"`
}

type SearchSettings struct {
	Type    string            `yaml:"type" json:"type" toml:"type" env:"SEARCH_TYPE" env-description:"database or redis"`
	MaxTake int               `yaml:"max_take" json:"max_take" toml:"max_take" env:"SEARCH_MAX_TAKE" env-description:"Upper bound of the take parameter"`
	Redis   redisindex.Config `yaml:"redis" json:"redis" toml:"redis"`
}

type PublishSettings struct {
	Denylist         []string `yaml:"denylist" json:"denylist" toml:"denylist" env:"PUBLISH_DENYLIST" env-separator:"," env-description:"Package ids that may not be published; trailing * matches a prefix"`
	MaxPackageSize   int64    `yaml:"max_package_size" json:"max_package_size" toml:"max_package_size" env:"PUBLISH_MAX_PACKAGE_SIZE" env-description:"Largest accepted upload in bytes"`
	RequireMetadata  bool     `yaml:"require_metadata" json:"require_metadata" toml:"require_metadata" env:"PUBLISH_REQUIRE_METADATA"`
	DeletionBehavior string   `yaml:"deletion_behavior" json:"deletion_behavior" toml:"deletion_behavior" env:"PUBLISH_DELETION_BEHAVIOR" env-description:"hard-delete or unlist"`
}

type RegistrationSettings struct {
	InlineThreshold int `yaml:"inline_threshold" json:"inline_threshold" toml:"inline_threshold" env:"REGISTRATION_INLINE_THRESHOLD"`
	PageSize        int `yaml:"page_size" json:"page_size" toml:"page_size" env:"REGISTRATION_PAGE_SIZE"`
}

type DownloadsSettings struct {
	// SourceURL serves a downloads.v1.json document.
	SourceURL string        `yaml:"source_url" json:"source_url" toml:"source_url" env:"DOWNLOADS_SOURCE_URL" env-description:"downloads.v1.json location"`
	Interval  time.Duration `yaml:"interval" json:"interval" toml:"interval" env:"DOWNLOADS_INTERVAL" env-description:"Import interval when running periodically"`
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Server.Port == "" {
		return errors.New("port is required")
	}
	if c.Server.BaseURL == "" {
		return errors.New("base_url is required")
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite", "mysql", "sqlserver", "postgres":
		if c.Database.ConnectionString == "" {
			return fmt.Errorf("database connection_string is required when using %s", c.Database.Type)
		}
	default:
		return fmt.Errorf("database type must be 'memory', 'sqlite', 'mysql', 'sqlserver' or 'postgres', got: %s", c.Database.Type)
	}

	switch c.Storage.KeyLayout {
	case "", "default", "sharded":
	default:
		return fmt.Errorf("storage key_layout must be 'default' or 'sharded', got: %s", c.Storage.KeyLayout)
	}

	switch registry.DeletionBehavior(c.Publish.DeletionBehavior) {
	case registry.DeletionHardDelete, registry.DeletionUnlist:
	default:
		return fmt.Errorf("deletion_behavior must be 'hard-delete' or 'unlist', got: %s", c.Publish.DeletionBehavior)
	}

	if c.Publish.MaxPackageSize < 0 {
		return errors.New("max_package_size cannot be negative")
	}
	if c.Search.MaxTake <= 0 {
		return errors.New("search max_take must be positive")
	}
	if c.Registration.InlineThreshold <= 0 || c.Registration.PageSize <= 0 {
		return errors.New("registration inline_threshold and page_size must be positive")
	}

	return nil
}

// IsDevelopment reports whether the server runs in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// WithFile reads a YAML, JSON or TOML file and then the environment.
func WithFile(path string) Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadConfig(path, c); err != nil {
			return fmt.Errorf("failed to read configuration file %s: %w", path, err)
		}
		return nil
	}
}

// WithDefaultFile reads registry.yaml from $REGISTRY_CONFIG_ROOT or the
// working directory when the file exists.
func WithDefaultFile() Option {
	return func(c *ServerConfig) error {
		path := filepath.Join(os.Getenv(ConfigRootEnv), DefaultFileName)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return WithFile(path)(c)
	}
}

// WithEnv applies environment variable overrides.
func WithEnv() Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		c.Database.Type = strings.ToLower(c.Database.Type)
		c.Storage.Type = strings.ToLower(c.Storage.Type)
		c.Search.Type = strings.ToLower(c.Search.Type)
		return nil
	}
}

// Usage describes every environment variable
func Usage() (string, error) {
	var cfg ServerConfig
	return cleanenv.GetDescription(&cfg, nil)
}
