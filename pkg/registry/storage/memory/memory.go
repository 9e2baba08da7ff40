package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/tendant/simple-registry/pkg/registry"
)

type object struct {
	data        []byte
	contentType string
}

// Backend is an in-memory implementation of the registry.BlobStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]object),
	}
}

// Put stores content unless the path already holds a blob
func (b *Backend) Put(ctx context.Context, path string, content io.Reader, contentType string) (registry.PutResult, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, &registry.StorageError{Backend: "memory", Path: path, Op: "put", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.objects[path]; ok {
		if bytes.Equal(existing.data, data) {
			return registry.PutIdentical, nil
		}
		return registry.PutConflict, nil
	}
	b.objects[path] = object{data: data, contentType: contentType}
	return registry.PutCreated, nil
}

// Replace stores content, overwriting any existing blob
func (b *Backend) Replace(ctx context.Context, path string, content io.Reader, contentType string) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return &registry.StorageError{Backend: "memory", Path: path, Op: "replace", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[path] = object{data: data, contentType: contentType}
	return nil
}

// Get returns a reader over the stored bytes
func (b *Backend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[path]
	if !ok {
		return nil, registry.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// GetDownloadURI is not supported, content is always streamed
func (b *Backend) GetDownloadURI(ctx context.Context, path string) (string, error) {
	return "", registry.ErrDownloadURIUnsupported
}

// Delete deletes content
func (b *Backend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, path)
	return nil
}

// ContentType returns the content type a blob was stored with.
func (b *Backend) ContentType(path string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[path]
	return obj.contentType, ok
}

// Len returns the number of stored blobs.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
