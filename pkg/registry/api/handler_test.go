package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/registrytest"
	repomemory "github.com/tendant/simple-registry/pkg/registry/repo/memory"
	"github.com/tendant/simple-registry/pkg/registry/search/database"
	storagememory "github.com/tendant/simple-registry/pkg/registry/storage/memory"
	"github.com/tendant/simple-registry/pkg/registry/urlstrategy"
)

const testAPIKey = "secret"

// redirectingStore hands out direct URLs for every blob
type redirectingStore struct {
	*storagememory.Backend
}

func (s redirectingStore) GetDownloadURI(_ context.Context, path string) (string, error) {
	return "https://blobs.example.com/" + path, nil
}

type testServer struct {
	handler http.Handler
}

func newTestServer(t *testing.T, store registry.BlobStore, serviceOptions []registry.Option, options ...Option) *testServer {
	t.Helper()
	db := repomemory.New()
	if store == nil {
		store = storagememory.New()
	}
	svc, err := registry.New(append([]registry.Option{
		registry.WithDatabase(db),
		registry.WithStorage(store),
		registry.WithSearchIndex(database.New(db)),
		registry.WithURLGenerator(urlstrategy.NewServerStrategy("http://registry.test", "")),
	}, serviceOptions...)...)
	require.NoError(t, err)

	h := NewHandler(svc, append([]Option{WithAPIKey(testAPIKey)}, options...)...)
	return &testServer{handler: RequestIDMiddleware(h.Routes())}
}

func (s *testServer) do(t *testing.T, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header[http.CanonicalHeaderKey(k)] = v
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) publish(t *testing.T, nupkg []byte) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPut, "/api/v2/package", nupkg, http.Header{APIKeyHeader: {testAPIKey}})
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func fooBar(t *testing.T, version, description string) []byte {
	return registrytest.BuildPackage(t, registrytest.Nuspec{
		ID:            "Foo.Bar",
		Version:       version,
		Description:   description,
		Tags:          "json serializer",
		Readme:        "README.md",
		ReadmeContent: []byte("# Foo.Bar"),
	}, nil)
}

func TestServiceIndex(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rr := s.do(t, http.MethodGet, "/v3/index.json", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	index := decode[registry.ServiceIndex](t, rr)
	assert.Equal(t, "3.0.0", index.Version)

	types := map[string]string{}
	for _, res := range index.Resources {
		types[res.Type] = res.URL
	}
	assert.Equal(t, "http://registry.test/api/v2/package", types["PackagePublish/2.0.0"])
	assert.Equal(t, "http://registry.test/v3/search", types["SearchQueryService"])
	assert.Equal(t, "http://registry.test/v3/registration/", types["RegistrationsBaseUrl"])
}

func TestPublish(t *testing.T) {
	s := newTestServer(t, nil, nil)
	nupkg := fooBar(t, "1.0.0", "first")

	t.Run("requires api key", func(t *testing.T) {
		rr := s.do(t, http.MethodPut, "/api/v2/package", nupkg, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = s.do(t, http.MethodPut, "/api/v2/package", nupkg, http.Header{APIKeyHeader: {"wrong"}})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("new package is created", func(t *testing.T) {
		rr := s.publish(t, nupkg)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		resp := decode[PublishResponse](t, rr)
		assert.Equal(t, "Foo.Bar", resp.ID)
		assert.Equal(t, "1.0.0", resp.Version)
		assert.Equal(t, "published", resp.Status)
	})

	t.Run("identical package is accepted", func(t *testing.T) {
		rr := s.publish(t, nupkg)
		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.Equal(t, "already_published", decode[PublishResponse](t, rr).Status)
	})

	t.Run("different content conflicts", func(t *testing.T) {
		rr := s.publish(t, fooBar(t, "1.0.0", "second"))
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("invalid archive is rejected", func(t *testing.T) {
		rr := s.publish(t, []byte("not a zip"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		resp := decode[ErrorResponse](t, rr)
		assert.NotEmpty(t, resp.Error)
		assert.NotEmpty(t, resp.RequestID)
	})

	t.Run("multipart upload", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("package", "package.nupkg")
		require.NoError(t, err)
		_, err = part.Write(fooBar(t, "2.0.0", "multipart"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		rr := s.do(t, http.MethodPut, "/api/v2/package", body.Bytes(), http.Header{
			APIKeyHeader:   {testAPIKey},
			"Content-Type": {mw.FormDataContentType()},
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.Equal(t, "2.0.0", decode[PublishResponse](t, rr).Version)
	})
}

func TestListVersions(t *testing.T) {
	s := newTestServer(t, nil, nil)
	require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "2.0.0-Beta", "beta")).Code)
	require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "1.0.0", "stable")).Code)

	rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/index.json", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"1.0.0", "2.0.0-beta"}, decode[VersionsResponse](t, rr).Versions)

	rr = s.do(t, http.MethodGet, "/v3/package/missing/index.json", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDownloadContent(t *testing.T) {
	s := newTestServer(t, nil, nil)
	nupkg := fooBar(t, "1.0.0", "content")
	require.Equal(t, http.StatusCreated, s.publish(t, nupkg).Code)

	t.Run("archive", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/foo.bar.1.0.0.nupkg", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, nupkg, rr.Body.Bytes())
		assert.Equal(t, registry.CacheControl, rr.Header().Get("Cache-Control"))
		assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))
		assert.NotEmpty(t, rr.Header().Get("ETag"))
	})

	t.Run("conditional request", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/foo.bar.1.0.0.nupkg", nil, nil)
		etag := rr.Header().Get("ETag")

		rr = s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/foo.bar.1.0.0.nupkg", nil, http.Header{"If-None-Match": {etag}})
		assert.Equal(t, http.StatusNotModified, rr.Code)
		assert.Empty(t, rr.Body.Bytes())
	})

	t.Run("manifest", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/foo.bar.nuspec", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/xml", rr.Header().Get("Content-Type"))
		assert.Contains(t, rr.Body.String(), "<id>Foo.Bar</id>")
	})

	t.Run("readme", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/readme", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "# Foo.Bar", rr.Body.String())
	})

	t.Run("missing icon", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/icon", nil, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unknown file", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/foo.txt", nil, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unknown version", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/9.9.9/foo.bar.9.9.9.nupkg", nil, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("file name must match id and version", func(t *testing.T) {
		for _, file := range []string{
			"evil.nupkg",
			"foo.bar.2.0.0.nupkg",
			"other.1.0.0.nupkg",
			"foo.bar.1.0.0.nuspec",
			"other.nuspec",
			".nuspec",
		} {
			rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/"+file, nil, nil)
			assert.Equal(t, http.StatusNotFound, rr.Code, file)
		}
	})

	t.Run("file name is case insensitive", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/package/Foo.Bar/1.0.0/FOO.BAR.1.0.0.NUPKG", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, nupkg, rr.Body.Bytes())

		rr = s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/Foo.Bar.nuspec", nil, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestDownloadContent_Redirect(t *testing.T) {
	t.Run("redirects when the store mints urls", func(t *testing.T) {
		s := newTestServer(t, redirectingStore{storagememory.New()}, nil, WithRedirectDownloads(true))
		require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "1.0.0", "redirect")).Code)

		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/foo.bar.1.0.0.nupkg", nil, nil)
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "https://blobs.example.com/packages/foo.bar/1.0.0/foo.bar.1.0.0.nupkg", rr.Header().Get("Location"))
	})

	t.Run("streams when the store cannot", func(t *testing.T) {
		s := newTestServer(t, nil, nil, WithRedirectDownloads(true))
		nupkg := fooBar(t, "1.0.0", "stream")
		require.Equal(t, http.StatusCreated, s.publish(t, nupkg).Code)

		rr := s.do(t, http.MethodGet, "/v3/package/foo.bar/1.0.0/foo.bar.1.0.0.nupkg", nil, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, nupkg, rr.Body.Bytes())
	})
}

func TestRegistration(t *testing.T) {
	s := newTestServer(t, nil, nil)
	require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "1.0.0", "one")).Code)
	require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "1.1.0", "two")).Code)

	rr := s.do(t, http.MethodGet, "/v3/registration/foo.bar/index.json", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	index := decode[registry.RegistrationIndex](t, rr)
	assert.Equal(t, "http://registry.test/v3/registration/foo.bar/index.json", index.URL)
	require.Len(t, index.Pages, 1)
	assert.Equal(t, "1.0.0", index.Pages[0].Lower)
	assert.Equal(t, "1.1.0", index.Pages[0].Upper)
	assert.Len(t, index.Pages[0].Items, 2)

	rr = s.do(t, http.MethodGet, "/v3/registration/foo.bar/1.1.0.json", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	leaf := decode[registry.RegistrationLeaf](t, rr)
	assert.True(t, leaf.Listed)
	assert.Equal(t, "http://registry.test/v3/package/foo.bar/1.1.0/foo.bar.1.1.0.nupkg", leaf.PackageContent)

	rr = s.do(t, http.MethodGet, "/v3/registration/foo.bar/1.1.0", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodGet, "/v3/registration/missing/index.json", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRegistrationPage(t *testing.T) {
	s := newTestServer(t, nil, []registry.Option{
		registry.WithRegistrationPaging(registry.RegistrationPaging{InlineThreshold: 1, PageSize: 1}),
	})
	require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "1.0.0", "one")).Code)
	require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "2.0.0", "two")).Code)

	index := decode[registry.RegistrationIndex](t, s.do(t, http.MethodGet, "/v3/registration/foo.bar/index.json", nil, nil))
	require.Len(t, index.Pages, 2)
	assert.Empty(t, index.Pages[1].Items)
	assert.Equal(t, "http://registry.test/v3/registration/foo.bar/page/2.0.0/2.0.0.json", index.Pages[1].URL)

	rr := s.do(t, http.MethodGet, "/v3/registration/foo.bar/page/2.0.0/2.0.0.json", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[registry.RegistrationPage](t, rr)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "2.0.0", page.Items[0].CatalogEntry.Version)

	rr = s.do(t, http.MethodGet, "/v3/registration/foo.bar/page/1.0.0/2.0.0.json", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDelete(t *testing.T) {
	t.Run("hard delete", func(t *testing.T) {
		s := newTestServer(t, nil, nil)
		require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "1.0.0", "gone")).Code)

		rr := s.do(t, http.MethodDelete, "/api/v2/package/foo.bar/1.0.0", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = s.do(t, http.MethodDelete, "/api/v2/package/foo.bar/1.0.0", nil, http.Header{APIKeyHeader: {testAPIKey}})
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = s.do(t, http.MethodGet, "/v3/package/foo.bar/index.json", nil, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = s.do(t, http.MethodDelete, "/api/v2/package/foo.bar/1.0.0", nil, http.Header{APIKeyHeader: {testAPIKey}})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unlist and relist", func(t *testing.T) {
		s := newTestServer(t, nil, []registry.Option{registry.WithDeletionBehavior(registry.DeletionUnlist)})
		require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "1.0.0", "hidden")).Code)
		auth := http.Header{APIKeyHeader: {testAPIKey}}

		rr := s.do(t, http.MethodDelete, "/api/v2/package/foo.bar/1.0.0", nil, auth)
		require.Equal(t, http.StatusNoContent, rr.Code)

		rr = s.do(t, http.MethodGet, "/v3/package/foo.bar/index.json", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, decode[VersionsResponse](t, rr).Versions)

		rr = s.do(t, http.MethodGet, "/v3/registration/foo.bar/1.0.0.json", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.False(t, decode[registry.RegistrationLeaf](t, rr).Listed)

		rr = s.do(t, http.MethodPost, "/api/v2/package/foo.bar/1.0.0", nil, auth)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = s.do(t, http.MethodGet, "/v3/package/foo.bar/index.json", nil, nil)
		assert.Equal(t, []string{"1.0.0"}, decode[VersionsResponse](t, rr).Versions)
	})
}

func TestSearch(t *testing.T) {
	s := newTestServer(t, nil, nil)
	require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "1.0.0", "stable")).Code)
	require.Equal(t, http.StatusCreated, s.publish(t, fooBar(t, "2.0.0-beta", "beta")).Code)

	t.Run("search", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/search?q=FOO", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[registry.SearchResponse](t, rr)
		require.Equal(t, 1, resp.TotalHits)
		assert.Equal(t, "Foo.Bar", resp.Data[0].PackageID)
		assert.Equal(t, "1.0.0", resp.Data[0].Version)

		rr = s.do(t, http.MethodGet, "/v3/search?q=foo&prerelease=true", nil, nil)
		resp = decode[registry.SearchResponse](t, rr)
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "2.0.0-beta", resp.Data[0].Version)
		assert.Len(t, resp.Data[0].Versions, 2)

		rr = s.do(t, http.MethodGet, "/v3/search?q=nothing", nil, nil)
		assert.Equal(t, 0, decode[registry.SearchResponse](t, rr).TotalHits)
	})

	t.Run("autocomplete ids", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/autocomplete?q=foo.", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"Foo.Bar"}, decode[registry.AutocompleteResponse](t, rr).Data)

		rr = s.do(t, http.MethodGet, "/v3/autocomplete?q=bar", nil, nil)
		assert.Empty(t, decode[registry.AutocompleteResponse](t, rr).Data)
	})

	t.Run("autocomplete versions", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/autocomplete?id=foo.bar&prerelease=true", nil, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"1.0.0", "2.0.0-beta"}, decode[registry.AutocompleteResponse](t, rr).Data)
	})

	t.Run("dependents requires id", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/v3/dependents", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestDependents(t *testing.T) {
	s := newTestServer(t, nil, nil)
	require.Equal(t, http.StatusCreated, s.publish(t, registrytest.BuildPackage(t, registrytest.Nuspec{
		ID:      "App",
		Version: "1.0.0",
		Dependencies: []registrytest.Dependency{
			{TargetFramework: "net8.0", ID: "Lib", Range: "[1.0.0, )"},
		},
	}, nil)).Code)

	rr := s.do(t, http.MethodGet, "/v3/dependents?id=lib", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[registry.DependentsResponse](t, rr)
	require.Equal(t, 1, resp.TotalHits)
	assert.Equal(t, "App", resp.Data[0].PackageID)
}

func TestSymbols(t *testing.T) {
	s := newTestServer(t, nil, nil)
	guid := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	pdb := registrytest.BuildPDB(guid, []byte("lib"))
	snupkg := registrytest.BuildZip(t, map[string][]byte{"lib/net8.0/Lib.pdb": pdb})
	auth := http.Header{APIKeyHeader: {testAPIKey}}

	rr := s.do(t, http.MethodPut, "/api/v2/symbol", snupkg, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPut, "/api/v2/symbol", snupkg, auth)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "stored", decode[SymbolResponse](t, rr).Status)

	rr = s.do(t, http.MethodPut, "/api/v2/symbol", snupkg, auth)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	key := registrytest.SymbolKey(guid)
	rr = s.do(t, http.MethodGet, "/api/download/symbols/lib.pdb/"+key+"/lib.pdb", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, pdb, rr.Body.Bytes())

	rr = s.do(t, http.MethodGet, "/api/download/symbols/symbols/lib.pdb/"+key+"/lib.pdb", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/download/symbols/lib.pdb/"+key+"/other.pdb", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPut, "/api/v2/symbol", registrytest.BuildZip(t, map[string][]byte{"readme.txt": []byte("x")}), auth)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	conflicting := registrytest.BuildZip(t, map[string][]byte{"lib/net8.0/Lib.pdb": registrytest.BuildPDB(guid, []byte("changed"))})
	rr = s.do(t, http.MethodPut, "/api/v2/symbol", conflicting, auth)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&registry.ValidationError{Reason: "bad"}, http.StatusBadRequest},
		{registry.ErrInvalidSymbols, http.StatusBadRequest},
		{&registry.PackageError{ID: "a", Err: registry.ErrPackageConflict}, http.StatusConflict},
		{registry.ErrSymbolsConflict, http.StatusConflict},
		{&registry.PackageError{ID: "a", Err: registry.ErrPackageNotFound}, http.StatusNotFound},
		{registry.ErrAssetNotFound, http.StatusNotFound},
		{registry.ErrSymbolsNotFound, http.StatusNotFound},
		{registry.ErrBackendUnavailable, http.StatusInternalServerError},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestTrimSuffixFold(t *testing.T) {
	v, ok := trimSuffixFold("1.0.0.JSON", ".json")
	assert.True(t, ok)
	assert.Equal(t, "1.0.0", v)

	_, ok = trimSuffixFold(".json", ".json")
	assert.False(t, ok)

	_, ok = trimSuffixFold("1.0.0", ".json")
	assert.False(t, ok)
}
