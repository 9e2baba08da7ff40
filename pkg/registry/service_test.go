package registry_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/registrytest"
	repomemory "github.com/tendant/simple-registry/pkg/registry/repo/memory"
	"github.com/tendant/simple-registry/pkg/registry/search/database"
	storagememory "github.com/tendant/simple-registry/pkg/registry/storage/memory"
	"github.com/tendant/simple-registry/pkg/registry/urlstrategy"
)

const baseURL = "http://registry.test"

var publishedAt = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

type fixture struct {
	svc   registry.Service
	db    *repomemory.Repository
	store *storagememory.Backend
}

func newFixture(t *testing.T, options ...registry.Option) *fixture {
	t.Helper()
	db := repomemory.New()
	store := storagememory.New()
	svc, err := registry.New(append([]registry.Option{
		registry.WithDatabase(db),
		registry.WithStorage(store),
		registry.WithSearchIndex(database.New(db)),
		registry.WithURLGenerator(urlstrategy.NewServerStrategy(baseURL, "")),
		registry.WithClock(func() time.Time { return publishedAt }),
	}, options...)...)
	require.NoError(t, err)
	return &fixture{svc: svc, db: db, store: store}
}

func (f *fixture) publish(t *testing.T, nupkg []byte) *registry.Package {
	t.Helper()
	result, pkg, err := f.svc.Publish(context.Background(), bytes.NewReader(nupkg))
	require.NoError(t, err)
	require.Equal(t, registry.PackagePublished, result)
	return pkg
}

func (f *fixture) publishVersions(t *testing.T, id string, versions ...string) {
	t.Helper()
	for _, v := range versions {
		f.publish(t, registrytest.BuildPackage(t, registrytest.Nuspec{ID: id, Version: v}, nil))
	}
}

// databaseIndex aliases database.Index so embedding it does not create a
// field named Index that collides with failingIndex's Index method.
type databaseIndex = database.Index

// failingIndex accepts queries but rejects every write.
type failingIndex struct {
	*databaseIndex
}

func (failingIndex) Index(context.Context, *registry.Package) error {
	return errors.New("index unavailable")
}

func (failingIndex) Delete(context.Context, string, string) error {
	return errors.New("index unavailable")
}

func TestNew(t *testing.T) {
	db := repomemory.New()
	store := storagememory.New()
	index := database.New(db)
	urls := urlstrategy.NewServerStrategy(baseURL, "")

	tests := []struct {
		name    string
		options []registry.Option
		wantErr string
	}{
		{"missing database", []registry.Option{
			registry.WithStorage(store), registry.WithSearchIndex(index), registry.WithURLGenerator(urls),
		}, "database is required"},
		{"missing storage", []registry.Option{
			registry.WithDatabase(db), registry.WithSearchIndex(index), registry.WithURLGenerator(urls),
		}, "storage is required"},
		{"missing index", []registry.Option{
			registry.WithDatabase(db), registry.WithStorage(store), registry.WithURLGenerator(urls),
		}, "search index is required"},
		{"missing urls", []registry.Option{
			registry.WithDatabase(db), registry.WithStorage(store), registry.WithSearchIndex(index),
		}, "url generator is required"},
		{"bad deletion behavior", []registry.Option{
			registry.WithDatabase(db), registry.WithStorage(store), registry.WithSearchIndex(index),
			registry.WithURLGenerator(urls), registry.WithDeletionBehavior("shred"),
		}, "unsupported deletion behavior"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.New(tt.options...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServiceIndex(t *testing.T) {
	f := newFixture(t)
	index := f.svc.ServiceIndex()

	assert.Equal(t, "3.0.0", index.Version)

	urls := map[string]string{}
	for _, r := range index.Resources {
		urls[r.Type] = r.URL
	}
	assert.Equal(t, baseURL+"/api/v2/package", urls["PackagePublish/2.0.0"])
	assert.Equal(t, baseURL+"/api/v2/symbol", urls["SymbolPackagePublish/4.9.0"])
	assert.Equal(t, baseURL+"/v3/search", urls["SearchQueryService/3.0.0-rc"])
	assert.Equal(t, baseURL+"/v3/autocomplete", urls["SearchAutocompleteService"])
	assert.Equal(t, baseURL+"/v3/registration/", urls["RegistrationsBaseUrl/3.6.0"])
	assert.Equal(t, baseURL+"/v3/package/", urls["PackageBaseAddress/3.0.0"])
}
