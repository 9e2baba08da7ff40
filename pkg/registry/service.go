package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tendant/simple-registry/pkg/registry/objectkey"
)

// Service defines the main interface for the registry
type Service interface {
	// Package lifecycle
	Publish(ctx context.Context, archive io.Reader) (PublishResult, *Package, error)
	Unlist(ctx context.Context, id, version string) error
	Relist(ctx context.Context, id, version string) error
	HardDelete(ctx context.Context, id, version string) error
	// Delete applies the configured DeletionBehavior.
	Delete(ctx context.Context, id, version string) error

	// Package content
	ListVersions(ctx context.Context, id string, includeUnlisted bool) ([]string, error)
	DownloadArchive(ctx context.Context, id, version string) (*Download, error)
	DownloadManifest(ctx context.Context, id, version string) (*Download, error)
	DownloadReadme(ctx context.Context, id, version string) (*Download, error)
	DownloadIcon(ctx context.Context, id, version string) (*Download, error)
	DownloadURI(ctx context.Context, id, version string, asset Asset) (string, error)

	// Registration metadata
	RegistrationIndex(ctx context.Context, id string) (*RegistrationIndex, error)
	RegistrationPage(ctx context.Context, id, lower, upper string) (*RegistrationPage, error)
	RegistrationLeaf(ctx context.Context, id, version string) (*RegistrationLeaf, error)

	// Search
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	Autocomplete(ctx context.Context, req AutocompleteRequest) (*AutocompleteResponse, error)
	AutocompleteVersions(ctx context.Context, req VersionsRequest) (*AutocompleteResponse, error)
	Dependents(ctx context.Context, req DependentsRequest) (*DependentsResponse, error)

	// Debug symbols
	UploadSymbols(ctx context.Context, archive io.Reader) (SymbolResult, error)
	DownloadSymbols(ctx context.Context, file, key, file2 string) (io.ReadCloser, error)

	ServiceIndex() *ServiceIndex
}

// PublishPolicy constrains what may be published.
type PublishPolicy struct {
	// Denylist holds package ids that may not be published. A trailing "*"
	// matches any id with that prefix. Matching ignores case.
	Denylist []string

	// MaxPackageSize limits archive uploads in bytes. Zero means unlimited.
	MaxPackageSize int64

	// RequireMetadata rejects packages without authors or a description.
	RequireMetadata bool
}

// RegistrationPaging controls how registration indexes are split into pages.
type RegistrationPaging struct {
	// InlineThreshold is the largest version count that is inlined into the
	// index as a single page.
	InlineThreshold int
	// PageSize is the number of versions per page above the threshold.
	PageSize int
}

const (
	DefaultInlineThreshold = 128
	DefaultPageSize        = 64
	DefaultSearchTake      = 20
	DefaultMaxSearchTake   = 1000
	DefaultMaxPackageSize  = 250 << 20
)

// service implements the Service interface
type service struct {
	db       Database
	storage  BlobStore
	symbols  BlobStore
	index    SearchIndex
	urls     URLGenerator
	keys     KeyGenerator
	logger   *slog.Logger
	policy   PublishPolicy
	paging   RegistrationPaging
	maxTake  int
	deletion DeletionBehavior
	now      func() time.Time
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithDatabase sets the package catalog
func WithDatabase(db Database) Option {
	return func(s *service) {
		s.db = db
	}
}

// WithStorage sets the blob store for package content
func WithStorage(store BlobStore) Option {
	return func(s *service) {
		s.storage = store
	}
}

// WithSymbolStorage sets a separate blob store for debug symbols. Defaults to
// the package store; symbol keys live under their own path namespace.
func WithSymbolStorage(store BlobStore) Option {
	return func(s *service) {
		s.symbols = store
	}
}

// WithSearchIndex sets the search index
func WithSearchIndex(index SearchIndex) Option {
	return func(s *service) {
		s.index = index
	}
}

// WithURLGenerator sets the generator for URLs in protocol documents
func WithURLGenerator(urls URLGenerator) Option {
	return func(s *service) {
		s.urls = urls
	}
}

// WithKeyGenerator sets how blob paths are derived
func WithKeyGenerator(keys KeyGenerator) Option {
	return func(s *service) {
		s.keys = keys
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithPublishPolicy sets the publish policy
func WithPublishPolicy(policy PublishPolicy) Option {
	return func(s *service) {
		s.policy = policy
	}
}

// WithRegistrationPaging sets registration paging. Non-positive values keep
// the defaults.
func WithRegistrationPaging(paging RegistrationPaging) Option {
	return func(s *service) {
		if paging.InlineThreshold > 0 {
			s.paging.InlineThreshold = paging.InlineThreshold
		}
		if paging.PageSize > 0 {
			s.paging.PageSize = paging.PageSize
		}
	}
}

// WithMaxSearchTake bounds the take parameter of search requests
func WithMaxSearchTake(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.maxTake = n
		}
	}
}

// WithDeletionBehavior selects what Delete does
func WithDeletionBehavior(b DeletionBehavior) Option {
	return func(s *service) {
		s.deletion = b
	}
}

// WithClock overrides the time source used for published timestamps
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New creates a new registry service with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		keys:   objectkey.NewDefaultGenerator(),
		logger: slog.Default(),
		policy: PublishPolicy{
			MaxPackageSize:  DefaultMaxPackageSize,
			RequireMetadata: true,
		},
		paging: RegistrationPaging{
			InlineThreshold: DefaultInlineThreshold,
			PageSize:        DefaultPageSize,
		},
		maxTake:  DefaultMaxSearchTake,
		deletion: DeletionHardDelete,
		now:      time.Now,
	}

	for _, option := range options {
		option(s)
	}

	if s.db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if s.storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if s.index == nil {
		return nil, fmt.Errorf("search index is required")
	}
	if s.urls == nil {
		return nil, fmt.Errorf("url generator is required")
	}
	if s.symbols == nil {
		s.symbols = s.storage
	}
	switch s.deletion {
	case DeletionHardDelete, DeletionUnlist:
	default:
		return nil, fmt.Errorf("unsupported deletion behavior: %q", s.deletion)
	}

	return s, nil
}

func (s *service) packagePath(pkg *Package, asset Asset) string {
	id, version := pkg.IDKey(), pkg.VersionKey()
	var name string
	switch asset {
	case AssetArchive:
		name = objectkey.ArchiveFileName(id, version)
	case AssetManifest:
		name = objectkey.ManifestFileName(id)
	case AssetReadme:
		name = objectkey.ReadmeFileName
	case AssetIcon:
		name = objectkey.IconFileName
	}
	return s.keys.PackageKey(id, version, name)
}

// indexBestEffort pushes a package into the search index. The catalog is the
// source of truth, so failures are only logged.
func (s *service) indexBestEffort(ctx context.Context, pkg *Package, op string) {
	if err := s.index.Index(ctx, pkg); err != nil {
		s.logger.WarnContext(ctx, "Failed to update search index",
			"op", op, "id", pkg.ID, "version", pkg.Version.String(), "error", err)
	}
}
