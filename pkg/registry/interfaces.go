package registry

import (
	"context"
	"io"
)

// BlobStore defines the interface for storage backends.
//
// Paths are opaque, slash separated and derived deterministically from the
// package id, version and file name (see the objectkey package).
type BlobStore interface {
	// Put writes content to path. Writing to an existing path never replaces
	// it: identical bytes report PutIdentical and different bytes PutConflict.
	Put(ctx context.Context, path string, content io.Reader, contentType string) (PutResult, error)

	// Replace writes content to path whether or not a blob is already there.
	// The publish service only calls it after its catalog insert succeeded,
	// to take over paths left behind by publishes that never reached the
	// catalog.
	Replace(ctx context.Context, path string, content io.Reader, contentType string) error

	// Get opens the blob at path. Returns ErrBlobNotFound if it does not exist.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// GetDownloadURI returns a URL clients can fetch the blob from directly.
	GetDownloadURI(ctx context.Context, path string) (string, error)

	// Delete removes the blob. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
}

// Database is the durable package catalog. Ids compare case-insensitively and
// versions are passed as normalized keys.
type Database interface {
	// Find returns the package version, listed or not, or ErrPackageNotFound.
	Find(ctx context.Context, id, version string) (*Package, error)

	// FindAll returns every version of id, listed and unlisted, ordered by
	// version ascending. An unknown id yields an empty slice.
	FindAll(ctx context.Context, id string) ([]*Package, error)

	Exists(ctx context.Context, id, version string) (bool, error)

	// Add inserts the package and its dependencies. A uniqueness violation on
	// (id, version) reports PackageAlreadyExists rather than an error.
	Add(ctx context.Context, pkg *Package) (AddResult, error)

	// HardDelete removes the package and its dependencies or returns
	// ErrPackageNotFound.
	HardDelete(ctx context.Context, id, version string) error

	Unlist(ctx context.Context, id, version string) error
	Relist(ctx context.Context, id, version string) error

	// IncrementDownloads bumps the download counter. Lost updates under heavy
	// concurrency are acceptable.
	IncrementDownloads(ctx context.Context, id, version string) error

	// SetDownloads overwrites the download counter.
	SetDownloads(ctx context.Context, id, version string, downloads int64) error

	// GetDependents returns the lowercased ids of listed packages that
	// depend on id.
	GetDependents(ctx context.Context, id string) ([]string, error)

	// Search returns listed packages whose id, title or tags contain the
	// lowercased term. An empty term matches every listed package.
	Search(ctx context.Context, term string) ([]*Package, error)

	// ListIDs returns every distinct lowercased package id, sorted.
	ListIDs(ctx context.Context) ([]string, error)
}

// Migrator is implemented by databases that manage their own schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// SearchIndex is the queryable projection of the catalog. Only listed
// package versions are ever returned.
type SearchIndex interface {
	// Index upserts a package version. An unlisted package is removed from
	// search results.
	Index(ctx context.Context, pkg *Package) error

	// Delete removes a package version from the index.
	Delete(ctx context.Context, id, version string) error

	Search(ctx context.Context, query SearchQuery) (*SearchResults, error)
	Autocomplete(ctx context.Context, query AutocompleteQuery) (*AutocompleteResults, error)
	Dependents(ctx context.Context, query DependentsQuery) (*SearchResults, error)
}

// URLGenerator builds the absolute URLs that appear in protocol documents.
// Ids and versions are lowercased by implementations.
type URLGenerator interface {
	ServiceIndexURL() string
	PackagePublishURL() string
	SymbolPublishURL() string
	SearchURL() string
	AutocompleteURL() string
	RegistrationsBaseURL() string
	RegistrationIndexURL(id string) string
	RegistrationPageURL(id, lower, upper string) string
	RegistrationLeafURL(id, version string) string
	PackageBaseURL() string
	PackageVersionsURL(id string) string
	PackageDownloadURL(id, version string) string
	PackageManifestURL(id, version string) string
	PackageReadmeURL(id, version string) string
	PackageIconURL(id, version string) string
}

// KeyGenerator derives blob paths from package coordinates.
type KeyGenerator interface {
	PackageKey(id, version, fileName string) string
	SymbolKey(file, key string) string
}
