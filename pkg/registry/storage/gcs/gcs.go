package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/tendant/simple-registry/pkg/registry"
)

// Config holds configuration for the GCS backend.
type Config struct {
	Bucket string
	Prefix string // Optional key prefix (e.g., "nuget/")

	// SignedURLExpiry enables V4 signed download URLs.
	SignedURLExpiry time.Duration
	// PublicRead makes GetDownloadURI return the public object URL. Ignored
	// when signed URLs are enabled.
	PublicRead bool
}

// Backend implements registry.BlobStore using Google Cloud Storage.
type Backend struct {
	client *storage.Client
	config Config
}

// New creates a GCS-backed blob store. Credentials come from the
// environment (ADC) by default.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return NewWithClient(client, config), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *storage.Client, config Config) *Backend {
	if config.Prefix != "" && !strings.HasSuffix(config.Prefix, "/") {
		config.Prefix += "/"
	}
	return &Backend{client: client, config: config}
}

func (b *Backend) objectName(path string) string {
	return b.config.Prefix + path
}

func (b *Backend) object(path string) *storage.ObjectHandle {
	return b.client.Bucket(b.config.Bucket).Object(b.objectName(path))
}

func storageError(op, path string, err error) error {
	return &registry.StorageError{Backend: "gcs", Path: path, Op: op, Err: err}
}

// Put writes the object with a DoesNotExist precondition. If the object is
// already there its bytes are compared with content.
func (b *Backend) Put(ctx context.Context, path string, content io.Reader, contentType string) (registry.PutResult, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, storageError("put", path, err)
	}

	obj := b.object(path)
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return 0, storageError("put", path, fmt.Errorf("gcs write failed: %w", err))
	}
	err = w.Close()
	if err == nil {
		return registry.PutCreated, nil
	}
	if !isPreconditionFailed(err) {
		return 0, storageError("put", path, fmt.Errorf("gcs close failed: %w", err))
	}

	reader, err := obj.NewReader(ctx)
	if err != nil {
		return 0, storageError("put", path, fmt.Errorf("gcs read of existing object failed: %w", err))
	}
	defer func() { _ = reader.Close() }()
	existing, err := io.ReadAll(reader)
	if err != nil {
		return 0, storageError("put", path, err)
	}
	if bytes.Equal(existing, data) {
		return registry.PutIdentical, nil
	}
	return registry.PutConflict, nil
}

// Replace writes the object unconditionally.
func (b *Backend) Replace(ctx context.Context, path string, content io.Reader, contentType string) error {
	w := b.object(path).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return storageError("replace", path, fmt.Errorf("gcs write failed: %w", err))
	}
	if err := w.Close(); err != nil {
		return storageError("replace", path, fmt.Errorf("gcs close failed: %w", err))
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func (b *Backend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := b.object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, registry.ErrBlobNotFound
		}
		return nil, storageError("get", path, fmt.Errorf("gcs get failed: %w", err))
	}
	return reader, nil
}

// GetDownloadURI returns a signed URL or the public object URL depending on
// configuration.
func (b *Backend) GetDownloadURI(ctx context.Context, path string) (string, error) {
	name := b.objectName(path)
	switch {
	case b.config.SignedURLExpiry > 0:
		u, err := b.client.Bucket(b.config.Bucket).SignedURL(name, &storage.SignedURLOptions{
			Scheme:  storage.SigningSchemeV4,
			Method:  http.MethodGet,
			Expires: time.Now().Add(b.config.SignedURLExpiry),
		})
		if err != nil {
			return "", storageError("signed url", path, err)
		}
		return u, nil
	case b.config.PublicRead:
		return publicURL(b.config.Bucket, name), nil
	default:
		return "", registry.ErrDownloadURIUnsupported
	}
}

func publicURL(bucket, name string) string {
	return "https://storage.googleapis.com/" + bucket + "/" + (&url.URL{Path: name}).EscapedPath()
}

// Delete removes the object. A missing object is not an error.
func (b *Backend) Delete(ctx context.Context, path string) error {
	err := b.object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return storageError("delete", path, fmt.Errorf("gcs delete failed: %w", err))
	}
	return nil
}

// Close closes the GCS client.
func (b *Backend) Close() error {
	return b.client.Close()
}
