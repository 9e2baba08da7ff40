// Package bucket stores blobs in any bucket the Go CDK can open by URL:
// azblob://, gs://, s3://, file:// and mem://.
package bucket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob" // driver for azblob://
	_ "gocloud.dev/blob/fileblob"  // driver for file://
	_ "gocloud.dev/blob/gcsblob"   // driver for gs://
	_ "gocloud.dev/blob/memblob"   // driver for mem://
	_ "gocloud.dev/blob/s3blob"    // driver for s3://
	"gocloud.dev/gcerrors"

	"github.com/tendant/simple-registry/pkg/registry"
)

// Config options for the bucket backend
type Config struct {
	// URL is a Go CDK bucket URL, e.g. "azblob://packages" or "file:///var/lib/registry".
	URL string
	// Prefix is prepended to every blob path.
	Prefix string
	// SignedURLExpiry enables signed download URLs when the driver supports them.
	SignedURLExpiry time.Duration
}

// Backend implements registry.BlobStore on top of a *blob.Bucket
type Backend struct {
	bucket *blob.Bucket
	expiry time.Duration
}

// New opens the bucket named by config.URL
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.URL == "" {
		return nil, errors.New("bucket url is required")
	}
	b, err := blob.OpenBucket(ctx, config.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to open bucket %s: %w", config.URL, err)
	}
	if config.Prefix != "" {
		b = blob.PrefixedBucket(b, config.Prefix)
	}
	return NewWithBucket(b, config.SignedURLExpiry), nil
}

// NewWithBucket wraps an already opened bucket
func NewWithBucket(b *blob.Bucket, signedURLExpiry time.Duration) *Backend {
	return &Backend{bucket: b, expiry: signedURLExpiry}
}

func storageError(op, path string, err error) error {
	return &registry.StorageError{Backend: "bucket", Path: path, Op: op, Err: err}
}

// Put writes content with IfNotExist so an existing blob is never replaced.
// When the precondition fails the existing blob is compared.
func (b *Backend) Put(ctx context.Context, path string, content io.Reader, contentType string) (registry.PutResult, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, storageError("put", path, err)
	}

	err = b.bucket.WriteAll(ctx, path, data, &blob.WriterOptions{ContentType: contentType, IfNotExist: true})
	if err == nil {
		return registry.PutCreated, nil
	}
	if gcerrors.Code(err) != gcerrors.FailedPrecondition {
		return 0, storageError("put", path, err)
	}

	existing, err := b.bucket.ReadAll(ctx, path)
	if err != nil {
		return 0, storageError("put", path, err)
	}
	if bytes.Equal(existing, data) {
		return registry.PutIdentical, nil
	}
	return registry.PutConflict, nil
}

// Replace writes content, overwriting any existing blob
func (b *Backend) Replace(ctx context.Context, path string, content io.Reader, contentType string) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return storageError("replace", path, err)
	}
	if err := b.bucket.WriteAll(ctx, path, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return storageError("replace", path, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := b.bucket.NewReader(ctx, path, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, registry.ErrBlobNotFound
		}
		return nil, storageError("get", path, err)
	}
	return r, nil
}

// GetDownloadURI returns a signed URL when an expiry is configured and the
// driver can sign
func (b *Backend) GetDownloadURI(ctx context.Context, path string) (string, error) {
	if b.expiry <= 0 {
		return "", registry.ErrDownloadURIUnsupported
	}
	url, err := b.bucket.SignedURL(ctx, path, &blob.SignedURLOptions{Expiry: b.expiry})
	if err != nil {
		if gcerrors.Code(err) == gcerrors.Unimplemented {
			return "", registry.ErrDownloadURIUnsupported
		}
		return "", storageError("signed url", path, err)
	}
	return url, nil
}

func (b *Backend) Delete(ctx context.Context, path string) error {
	if err := b.bucket.Delete(ctx, path); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return storageError("delete", path, err)
	}
	return nil
}

// Close releases the bucket
func (b *Backend) Close() error {
	return b.bucket.Close()
}
