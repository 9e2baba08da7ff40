// Package registry implements a package registry that speaks the NuGet v3
// catalog protocol on top of pluggable storage, database and search backends.
//
// A single Service orchestrates the package lifecycle: publishing archives,
// unlisting/relisting and hard deletion, serving content and registration
// metadata, search, and debug symbol upload/download. Blob stores (memory,
// filesystem, S3, GCS, gocloud buckets), databases (memory, Postgres, SQLite,
// MySQL) and search indexes (database-backed, Redis) live in subpackages and
// are chosen at startup through the provider package.
//
// Consistency Model
//
// The database is the source of truth. A publish writes blobs first, then the
// catalog record, then the search index. A blob without a catalog record is an
// orphan and harmless; a catalog record without its blob must never exist.
// The search index is a best-effort projection that can always be rebuilt
// from the database (see the scan package).
package registry
