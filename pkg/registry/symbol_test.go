package registry_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/registrytest"
	storagememory "github.com/tendant/simple-registry/pkg/registry/storage/memory"
)

var testGUID = [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}

func TestSymbolKeyFormat(t *testing.T) {
	assert.Equal(t, "0403020106050807090a0b0c0d0e0f10ffffffff", registrytest.SymbolKey(testGUID))
}

func TestUploadSymbols(t *testing.T) {
	ctx := context.Background()
	symbols := storagememory.New()
	f := newFixture(t, registry.WithSymbolStorage(symbols))

	pdb := registrytest.BuildPDB(testGUID, []byte("one"))
	snupkg := registrytest.BuildZip(t, map[string][]byte{
		"lib/net8.0/Foo.Bar.pdb": pdb,
		"lib/net8.0/Foo.Bar.xml": []byte("<doc/>"),
	})

	result, err := f.svc.UploadSymbols(ctx, bytes.NewReader(snupkg))
	require.NoError(t, err)
	assert.Equal(t, registry.SymbolsStored, result)
	assert.Equal(t, 1, symbols.Len())
	assert.Zero(t, f.store.Len(), "symbols use their own store")

	result, err = f.svc.UploadSymbols(ctx, bytes.NewReader(snupkg))
	require.NoError(t, err)
	assert.Equal(t, registry.SymbolsAlreadyStored, result)

	key := registrytest.SymbolKey(testGUID)
	rc, err := f.svc.DownloadSymbols(ctx, "Foo.Bar.pdb", key, "foo.bar.PDB")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, pdb, data)

	t.Run("different file under the same key", func(t *testing.T) {
		other := registrytest.BuildZip(t, map[string][]byte{
			"Foo.Bar.pdb": registrytest.BuildPDB(testGUID, []byte("two")),
		})
		_, err := f.svc.UploadSymbols(ctx, bytes.NewReader(other))
		assert.ErrorIs(t, err, registry.ErrSymbolsConflict)
	})

	t.Run("lookup misses", func(t *testing.T) {
		_, err := f.svc.DownloadSymbols(ctx, "foo.bar.pdb", key, "other.pdb")
		assert.ErrorIs(t, err, registry.ErrSymbolsNotFound)
		_, err = f.svc.DownloadSymbols(ctx, "foo.bar.pdb", "0000ffffffff", "foo.bar.pdb")
		assert.ErrorIs(t, err, registry.ErrSymbolsNotFound)
		_, err = f.svc.DownloadSymbols(ctx, "", key, "")
		assert.ErrorIs(t, err, registry.ErrSymbolsNotFound)
	})
}

func TestUploadSymbols_Invalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		data []byte
	}{
		{"not a zip", []byte("nope")},
		{"no pdb files", registrytest.BuildZip(t, map[string][]byte{"lib/net8.0/Foo.dll": []byte("dll")})},
		{"windows pdb", registrytest.BuildZip(t, map[string][]byte{"Foo.pdb": []byte("Microsoft C/C++ MSF 7.00")})},
		{"truncated pdb", registrytest.BuildZip(t, map[string][]byte{"Foo.pdb": registrytest.BuildPDB(testGUID, nil)[:30]})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UploadSymbols(ctx, bytes.NewReader(tt.data))
			require.ErrorIs(t, err, registry.ErrInvalidSymbols)
			assert.NotErrorIs(t, err, registry.ErrInvalidPackage)
		})
	}
}

func TestUploadSymbols_ContentLimit(t *testing.T) {
	symbols := storagememory.New()
	f := newFixture(t,
		registry.WithSymbolStorage(symbols),
		registry.WithPublishPolicy(registry.PublishPolicy{MaxPackageSize: 64 << 10}),
	)

	snupkg := registrytest.BuildZip(t, map[string][]byte{
		"Foo.pdb": registrytest.BuildPDB(testGUID, bytes.Repeat([]byte{0}, 1<<20)),
	})
	require.Less(t, len(snupkg), 64<<10)

	_, err := f.svc.UploadSymbols(context.Background(), bytes.NewReader(snupkg))
	require.ErrorIs(t, err, registry.ErrInvalidSymbols)
	assert.Contains(t, err.Error(), "maximum size")
	assert.Zero(t, symbols.Len())
}
