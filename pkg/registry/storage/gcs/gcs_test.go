package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/storage/storagetest"
)

func TestGCSBackend_ObjectNames(t *testing.T) {
	b := NewWithClient(nil, Config{Bucket: "packages", Prefix: "nuget"})
	assert.Equal(t, "nuget/packages/foo/1.0.0/foo.1.0.0.nupkg", b.objectName("packages/foo/1.0.0/foo.1.0.0.nupkg"))

	b = NewWithClient(nil, Config{Bucket: "packages"})
	assert.Equal(t, "symbols/app.pdb/abc/app.pdb", b.objectName("symbols/app.pdb/abc/app.pdb"))
}

func TestGCSBackend_DownloadURI(t *testing.T) {
	b := NewWithClient(nil, Config{Bucket: "packages"})
	_, err := b.GetDownloadURI(context.Background(), "packages/foo")
	assert.True(t, errors.Is(err, registry.ErrDownloadURIUnsupported))

	b = NewWithClient(nil, Config{Bucket: "packages", Prefix: "nuget/", PublicRead: true})
	uri, err := b.GetDownloadURI(context.Background(), "packages/foo/1.0.0/foo.1.0.0.nupkg")
	require.NoError(t, err)
	assert.Equal(t, "https://storage.googleapis.com/packages/nuget/packages/foo/1.0.0/foo.1.0.0.nupkg", uri)
}

func TestGCSBackend_PreconditionDetection(t *testing.T) {
	assert.True(t, isPreconditionFailed(fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isPreconditionFailed(errors.New("boom")))
}

func TestGCSBackend_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

// TestGCSBackend_Emulator runs the BlobStore contract against a GCS emulator
// when STORAGE_EMULATOR_HOST and GCS_TEST_BUCKET are set.
func TestGCSBackend_Emulator(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	bucket := os.Getenv("GCS_TEST_BUCKET")
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" || bucket == "" {
		t.Skip("Skipping integration test: GCS emulator environment variables not set")
	}

	ctx := context.Background()
	client, err := storage.NewClient(ctx, option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	storagetest.Run(t, NewWithClient(client, Config{
		Bucket: bucket,
		Prefix: fmt.Sprintf("test/%d", time.Now().UnixNano()),
	}))
}
