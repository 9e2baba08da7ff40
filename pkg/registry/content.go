package registry

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// CacheControl is sent with every content download. Published content never
// changes, so it can be cached indefinitely.
const CacheControl = "public, max-age=31536000, immutable"

// Download is an open package asset.
type Download struct {
	Content     io.ReadCloser
	ContentType string
	// ETag is a quoted strong entity tag derived from the package hash.
	ETag    string
	Package *Package
}

// ListVersions returns the version keys of id in ascending order. Unlisted
// versions are only included when asked for.
func (s *service) ListVersions(ctx context.Context, id string, includeUnlisted bool) ([]string, error) {
	pkgs, err := s.db.FindAll(ctx, id)
	if err != nil {
		return nil, &PackageError{ID: id, Op: "list versions", Err: err}
	}
	if len(pkgs) == 0 {
		return nil, &PackageError{ID: id, Op: "list versions", Err: ErrPackageNotFound}
	}

	versions := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		if p.Listed || includeUnlisted {
			versions = append(versions, p.VersionKey())
		}
	}
	return versions, nil
}

func (s *service) DownloadArchive(ctx context.Context, id, version string) (*Download, error) {
	d, err := s.download(ctx, id, version, AssetArchive)
	if err != nil {
		return nil, err
	}
	if err := s.db.IncrementDownloads(ctx, d.Package.ID, d.Package.VersionKey()); err != nil {
		s.logger.WarnContext(ctx, "Failed to increment download count", "id", id, "version", version, "error", err)
	}
	return d, nil
}

func (s *service) DownloadManifest(ctx context.Context, id, version string) (*Download, error) {
	return s.download(ctx, id, version, AssetManifest)
}

func (s *service) DownloadReadme(ctx context.Context, id, version string) (*Download, error) {
	return s.download(ctx, id, version, AssetReadme)
}

func (s *service) DownloadIcon(ctx context.Context, id, version string) (*Download, error) {
	return s.download(ctx, id, version, AssetIcon)
}

// DownloadURI resolves a direct blob URL for an asset after checking the
// catalog, for deployments that redirect downloads to the blob store.
func (s *service) DownloadURI(ctx context.Context, id, version string, asset Asset) (string, error) {
	pkg, err := s.findForDownload(ctx, id, version, asset)
	if err != nil {
		return "", err
	}
	uri, err := s.storage.GetDownloadURI(ctx, s.packagePath(pkg, asset))
	if err != nil {
		return "", &PackageError{ID: id, Version: version, Op: "download uri", Err: err}
	}
	return uri, nil
}

// findForDownload checks the catalog first, so content is never served for a
// version the catalog does not know.
func (s *service) findForDownload(ctx context.Context, id, version string, asset Asset) (*Package, error) {
	key, err := NormalizeVersion(version)
	if err != nil {
		return nil, &PackageError{ID: id, Version: version, Op: "download " + string(asset), Err: ErrPackageNotFound}
	}
	pkg, err := s.db.Find(ctx, id, key)
	if err != nil {
		return nil, &PackageError{ID: id, Version: key, Op: "download " + string(asset), Err: err}
	}
	if (asset == AssetReadme && !pkg.HasReadme) || (asset == AssetIcon && !pkg.HasEmbeddedIcon) {
		return nil, &PackageError{ID: id, Version: key, Op: "download " + string(asset), Err: ErrAssetNotFound}
	}
	return pkg, nil
}

func (s *service) download(ctx context.Context, id, version string, asset Asset) (*Download, error) {
	pkg, err := s.findForDownload(ctx, id, version, asset)
	if err != nil {
		return nil, err
	}

	rc, err := s.storage.Get(ctx, s.packagePath(pkg, asset))
	if err != nil {
		return nil, &PackageError{ID: id, Version: pkg.VersionKey(), Op: "download " + string(asset), Err: err}
	}

	d := &Download{
		Content: rc,
		ETag:    ETag(pkg, asset),
		Package: pkg,
	}
	switch asset {
	case AssetArchive:
		d.ContentType = "application/octet-stream"
	case AssetManifest:
		d.ContentType = "text/xml"
	case AssetReadme:
		d.ContentType = "text/markdown"
	case AssetIcon:
		br := bufio.NewReader(rc)
		head, err := br.Peek(512)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			rc.Close()
			return nil, &PackageError{ID: id, Version: pkg.VersionKey(), Op: "download icon", Err: err}
		}
		d.ContentType = http.DetectContentType(head)
		d.Content = readCloser{Reader: br, Closer: rc}
	}
	return d, nil
}

// ETag derives a strong entity tag for a package asset from the immutable
// archive hash.
func ETag(pkg *Package, asset Asset) string {
	sum := sha256.Sum256([]byte(pkg.Hash + "/" + string(asset)))
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:16]))
}

type readCloser struct {
	io.Reader
	io.Closer
}
