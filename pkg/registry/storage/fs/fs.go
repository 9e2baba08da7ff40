package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-registry/pkg/registry"
)

// Backend is a filesystem implementation of the registry.BlobStore interface
type Backend struct {
	baseDir   string
	urlPrefix string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir   string // Base directory for storing files
	URLPrefix string // Optional URL prefix under which BaseDir is served directly
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	// Validate and create base directory if it doesn't exist
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	baseDir, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{
		baseDir:   baseDir,
		urlPrefix: strings.TrimSuffix(config.URLPrefix, "/"),
	}, nil
}

func (b *Backend) storageError(op, path string, err error) error {
	return &registry.StorageError{Backend: "fs", Path: path, Op: op, Err: err}
}

// resolve maps a blob path to a file below baseDir
func (b *Backend) resolve(path string) (string, error) {
	filePath := filepath.Join(b.baseDir, filepath.FromSlash(path))
	if filePath != b.baseDir && !strings.HasPrefix(filePath, b.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the storage root", path)
	}
	return filePath, nil
}

// Put writes content to a temporary file and links it into place. Linking
// fails if the target exists, so an existing blob is never replaced.
func (b *Backend) Put(ctx context.Context, path string, content io.Reader, contentType string) (registry.PutResult, error) {
	filePath, err := b.resolve(path)
	if err != nil {
		return 0, b.storageError("put", path, err)
	}

	tmpPath, err := stage(ctx, filePath, content)
	if err != nil {
		return 0, b.storageError("put", path, err)
	}
	defer os.Remove(tmpPath)

	err = os.Link(tmpPath, filePath)
	if err == nil {
		return registry.PutCreated, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return 0, b.storageError("put", path, fmt.Errorf("failed to link file: %w", err))
	}

	same, err := filesEqual(filePath, tmpPath)
	if err != nil {
		return 0, b.storageError("put", path, err)
	}
	if same {
		return registry.PutIdentical, nil
	}
	return registry.PutConflict, nil
}

// Replace writes content to a temporary file and renames it over the target
func (b *Backend) Replace(ctx context.Context, path string, content io.Reader, contentType string) error {
	filePath, err := b.resolve(path)
	if err != nil {
		return b.storageError("replace", path, err)
	}

	tmpPath, err := stage(ctx, filePath, content)
	if err != nil {
		return b.storageError("replace", path, err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return b.storageError("replace", path, fmt.Errorf("failed to rename file: %w", err))
	}
	return nil
}

// stageAttempts bounds how often staging restarts after a concurrent Delete
// pruned the target directory while it was being created.
const stageAttempts = 5

// stage writes content to a temporary file next to filePath and returns its
// path. content is read at most once.
func stage(ctx context.Context, filePath string, content io.Reader) (string, error) {
	dir := filepath.Dir(filePath)
	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())

	var file *os.File
	for attempt := 1; ; attempt++ {
		err := os.MkdirAll(dir, 0755)
		if err == nil {
			file, err = os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		}
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) || attempt == stageAttempts {
			return "", fmt.Errorf("failed to create file: %w", err)
		}
	}

	if err := writeFile(ctx, file, content); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

func writeFile(ctx context.Context, file *os.File, content io.Reader) error {
	defer file.Close()

	if _, err := io.Copy(file, &contextReader{ctx: ctx, r: content}); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return file.Close()
}

// contextReader stops a copy once the context is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func filesEqual(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, fmt.Errorf("failed to open file: %w", err)
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, fmt.Errorf("failed to open file: %w", err)
	}
	defer fb.Close()

	ia, err := fa.Stat()
	if err != nil {
		return false, err
	}
	ib, err := fb.Stat()
	if err != nil {
		return false, err
	}
	if ia.Size() != ib.Size() {
		return false, nil
	}

	bufA := make([]byte, 64<<10)
	bufB := make([]byte, 64<<10)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA := errors.Is(errA, io.EOF) || errors.Is(errA, io.ErrUnexpectedEOF)
		doneB := errors.Is(errB, io.EOF) || errors.Is(errB, io.ErrUnexpectedEOF)
		if doneA || doneB {
			return doneA == doneB, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}

// Get opens the file for reading
func (b *Backend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	filePath, err := b.resolve(path)
	if err != nil {
		return nil, b.storageError("get", path, err)
	}

	file, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, registry.ErrBlobNotFound
	} else if err != nil {
		return nil, b.storageError("get", path, fmt.Errorf("failed to open file: %w", err))
	}
	return file, nil
}

// GetDownloadURI returns a URL below URLPrefix when one is configured
func (b *Backend) GetDownloadURI(ctx context.Context, path string) (string, error) {
	if b.urlPrefix == "" {
		return "", registry.ErrDownloadURIUnsupported
	}
	return b.urlPrefix + "/" + strings.TrimPrefix(path, "/"), nil
}

// Delete deletes content from the filesystem
func (b *Backend) Delete(ctx context.Context, path string) error {
	filePath, err := b.resolve(path)
	if err != nil {
		return b.storageError("delete", path, err)
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return b.storageError("delete", path, fmt.Errorf("failed to delete file: %w", err))
	}

	// Clean up empty directories
	b.cleanupEmptyDirectories(filepath.Dir(filePath))

	return nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	// Don't remove the base directory
	if dir == b.baseDir || !strings.HasPrefix(dir, b.baseDir) {
		return
	}

	// Check if directory is empty
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		// Remove empty directory
		if os.Remove(dir) == nil {
			// Recursively clean parent directory
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}
