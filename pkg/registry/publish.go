package registry

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const (
	maxIDLength   = 100
	hashAlgorithm = "SHA512"
)

var validID = regexp.MustCompile(`^\w+([_.-]\w+)*$`)

// Publish validates an archive and adds it to the registry.
//
// Blobs are written before the catalog record so a catalog entry never points
// at missing content. The catalog insert alone decides which of several
// concurrent publishes wins. Blobs found at the package paths without a
// catalog record are orphans: the winner overwrites the ones that differ
// from its own files. Re-publishing identical content reports
// PackageAlreadyPublished; different content for an existing version fails
// with ErrPackageConflict.
func (s *service) Publish(ctx context.Context, r io.Reader) (PublishResult, *Package, error) {
	data, err := readUpload(r, s.policy.MaxPackageSize)
	if errors.Is(err, errUploadTooLarge) {
		return 0, nil, invalidPackage("package exceeds the maximum size of %d bytes", s.policy.MaxPackageSize)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read package upload: %w", err)
	}

	archive, err := ReadPackageArchive(data, s.policy.MaxPackageSize)
	if err != nil {
		return 0, nil, err
	}
	pkg := archive.Package
	if err := s.validate(pkg); err != nil {
		return 0, nil, err
	}

	sum := sha512.Sum512(data)
	pkg.Hash = base64.StdEncoding.EncodeToString(sum[:])
	pkg.HashAlgorithm = hashAlgorithm
	pkg.Size = int64(len(data))
	pkg.Published = s.now().UTC()

	id, version := pkg.ID, pkg.VersionKey()

	exists, err := s.db.Exists(ctx, id, version)
	if err != nil {
		return 0, nil, &PackageError{ID: id, Version: version, Op: "publish", Err: err}
	}
	if exists {
		return s.compareWithCatalog(ctx, pkg)
	}

	taken, err := s.writeBlobs(ctx, archive, data)
	if err != nil {
		return 0, nil, err
	}

	added, err := s.db.Add(ctx, pkg)
	if err != nil {
		return 0, nil, &PackageError{ID: id, Version: version, Op: "publish", Err: err}
	}
	if added == PackageAlreadyExists {
		// Lost a race with a concurrent publish of the same version.
		return s.compareWithCatalog(ctx, pkg)
	}

	if err := s.replaceBlobs(ctx, pkg, taken); err != nil {
		// The record must not outlive a failed takeover of its paths.
		if derr := s.db.HardDelete(context.WithoutCancel(ctx), id, version); derr != nil {
			s.logger.ErrorContext(ctx, "Failed to roll back package record", "id", id, "version", version, "error", derr)
		}
		return 0, nil, err
	}

	s.logger.InfoContext(ctx, "Package published", "id", id, "version", pkg.Version.String(), "size", pkg.Size)
	s.indexBestEffort(ctx, pkg, "publish")

	return PackagePublished, pkg, nil
}

func (s *service) compareWithCatalog(ctx context.Context, pkg *Package) (PublishResult, *Package, error) {
	id, version := pkg.ID, pkg.VersionKey()
	existing, err := s.db.Find(ctx, id, version)
	if err != nil {
		return 0, nil, &PackageError{ID: id, Version: version, Op: "publish", Err: err}
	}
	if existing.Hash != pkg.Hash {
		return 0, nil, &PackageError{ID: id, Version: version, Op: "publish", Err: ErrPackageConflict}
	}
	return PackageAlreadyPublished, existing, nil
}

func (s *service) validate(pkg *Package) error {
	if len(pkg.ID) > maxIDLength {
		return invalidPackage("package id exceeds %d characters", maxIDLength)
	}
	if !validID.MatchString(pkg.ID) {
		return invalidPackage("package id %q contains invalid characters", pkg.ID)
	}
	for _, pattern := range s.policy.Denylist {
		if matchesPattern(pkg.ID, pattern) {
			return invalidPackage("package id %q is not allowed", pkg.ID)
		}
	}
	if s.policy.RequireMetadata {
		if len(pkg.Authors) == 0 {
			return invalidPackage("package must declare authors")
		}
		if pkg.Description == "" {
			return invalidPackage("package must declare a description")
		}
	}
	for _, d := range pkg.Dependencies {
		if d.ID != "" && !validID.MatchString(d.ID) {
			return invalidPackage("dependency id %q contains invalid characters", d.ID)
		}
	}
	return nil
}

func matchesPattern(id, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(strings.ToLower(id), strings.ToLower(prefix))
	}
	return strings.EqualFold(id, pattern)
}

type blobWrite struct {
	asset       Asset
	content     []byte
	contentType string
}

// writeBlobs stores the archive and its extracted files in parallel. Paths
// already holding different bytes are returned for replaceBlobs.
func (s *service) writeBlobs(ctx context.Context, archive *PackageArchive, data []byte) ([]blobWrite, error) {
	pkg := archive.Package
	writes := []blobWrite{
		{asset: AssetArchive, content: data, contentType: "application/octet-stream"},
		{asset: AssetManifest, content: archive.Nuspec, contentType: "text/xml"},
	}
	if pkg.HasReadme {
		writes = append(writes, blobWrite{asset: AssetReadme, content: archive.Readme, contentType: "text/markdown"})
	}
	if pkg.HasEmbeddedIcon {
		writes = append(writes, blobWrite{asset: AssetIcon, content: archive.Icon, contentType: http.DetectContentType(archive.Icon)})
	}

	var (
		mu    sync.Mutex
		taken []blobWrite
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range writes {
		g.Go(func() error {
			result, err := s.storage.Put(gctx, s.packagePath(pkg, w.asset), bytes.NewReader(w.content), w.contentType)
			if err != nil {
				return &PackageError{ID: pkg.ID, Version: pkg.VersionKey(), Op: "write " + string(w.asset), Err: err}
			}
			if result == PutConflict {
				mu.Lock()
				taken = append(taken, w)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return taken, nil
}

// replaceBlobs overwrites orphaned blobs once the catalog record is in place.
func (s *service) replaceBlobs(ctx context.Context, pkg *Package, writes []blobWrite) error {
	for _, w := range writes {
		path := s.packagePath(pkg, w.asset)
		if err := s.storage.Replace(ctx, path, bytes.NewReader(w.content), w.contentType); err != nil {
			return &PackageError{ID: pkg.ID, Version: pkg.VersionKey(), Op: "replace " + string(w.asset), Err: err}
		}
		s.logger.WarnContext(ctx, "Replaced orphaned package blob", "id", pkg.ID, "version", pkg.VersionKey(), "path", path)
	}
	return nil
}

// Unlist hides a package version from search. It stays downloadable.
func (s *service) Unlist(ctx context.Context, id, version string) error {
	return s.setListed(ctx, id, version, false)
}

// Relist makes an unlisted package version searchable again.
func (s *service) Relist(ctx context.Context, id, version string) error {
	return s.setListed(ctx, id, version, true)
}

func (s *service) setListed(ctx context.Context, id, version string, listed bool) error {
	op := "unlist"
	if listed {
		op = "relist"
	}
	key, err := NormalizeVersion(version)
	if err != nil {
		return &PackageError{ID: id, Version: version, Op: op, Err: ErrPackageNotFound}
	}

	if listed {
		err = s.db.Relist(ctx, id, key)
	} else {
		err = s.db.Unlist(ctx, id, key)
	}
	if err != nil {
		return &PackageError{ID: id, Version: key, Op: op, Err: err}
	}

	pkg, err := s.db.Find(ctx, id, key)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to reload package for search index", "op", op, "id", id, "version", key, "error", err)
		return nil
	}
	s.indexBestEffort(ctx, pkg, op)
	return nil
}

// HardDelete removes the catalog record, then its blobs and its search entry.
// Blob and index cleanup is best-effort; orphaned blobs are acceptable.
func (s *service) HardDelete(ctx context.Context, id, version string) error {
	key, err := NormalizeVersion(version)
	if err != nil {
		return &PackageError{ID: id, Version: version, Op: "delete", Err: ErrPackageNotFound}
	}

	pkg, err := s.db.Find(ctx, id, key)
	if err != nil {
		return &PackageError{ID: id, Version: key, Op: "delete", Err: err}
	}
	if err := s.db.HardDelete(ctx, id, key); err != nil {
		return &PackageError{ID: id, Version: key, Op: "delete", Err: err}
	}

	var result *multierror.Error
	for _, asset := range []Asset{AssetArchive, AssetManifest, AssetReadme, AssetIcon} {
		if err := s.storage.Delete(ctx, s.packagePath(pkg, asset)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		s.logger.WarnContext(ctx, "Failed to delete package blobs", "id", pkg.ID, "version", key, "error", err)
	}

	if err := s.index.Delete(ctx, pkg.ID, key); err != nil {
		s.logger.WarnContext(ctx, "Failed to remove package from search index", "id", pkg.ID, "version", key, "error", err)
	}

	s.logger.InfoContext(ctx, "Package deleted", "id", pkg.ID, "version", key)
	return nil
}

// Delete unlists or hard deletes depending on the configured behavior.
func (s *service) Delete(ctx context.Context, id, version string) error {
	if s.deletion == DeletionUnlist {
		return s.Unlist(ctx, id, version)
	}
	return s.HardDelete(ctx, id, version)
}
