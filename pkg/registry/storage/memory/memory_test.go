package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-registry/pkg/registry"
	memorystorage "github.com/tendant/simple-registry/pkg/registry/storage/memory"
	"github.com/tendant/simple-registry/pkg/registry/storage/storagetest"
)

func TestMemoryBackend(t *testing.T) {
	storagetest.Run(t, memorystorage.New())
}

func TestMemoryBackend_ContentType(t *testing.T) {
	backend := memorystorage.New()
	ctx := context.Background()

	_, err := backend.Put(ctx, "packages/foo/1.0.0/foo.nuspec", strings.NewReader("<package/>"), "text/xml")
	require.NoError(t, err)

	ct, ok := backend.ContentType("packages/foo/1.0.0/foo.nuspec")
	assert.True(t, ok)
	assert.Equal(t, "text/xml", ct)
	assert.Equal(t, 1, backend.Len())
}

func TestMemoryBackend_NoDownloadURI(t *testing.T) {
	_, err := memorystorage.New().GetDownloadURI(context.Background(), "packages/foo")
	assert.True(t, errors.Is(err, registry.ErrDownloadURIUnsupported))
}
