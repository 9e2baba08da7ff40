package downloads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-registry/pkg/registry"
	"github.com/tendant/simple-registry/pkg/registry/registrytest"
	"github.com/tendant/simple-registry/pkg/registry/repo/memory"
)

const document = `[
  ["Foo.Bar", ["1.0.0", 120], ["2.0.0-BETA", 7], ["9.9.9", 1]],
  ["Unknown", ["1.0.0", 3]],
  ["Foo.Bar", ["not a version", 5]]
]`

func seededDB(t *testing.T) registry.Database {
	t.Helper()
	db := memory.New()
	for _, v := range []string{"1.0.0", "2.0.0-beta"} {
		_, err := db.Add(context.Background(), registrytest.NewPackage("Foo.Bar", v))
		require.NoError(t, err)
	}
	return db
}

func serve(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	db := seededDB(t)
	srv, _ := serve(t, http.StatusOK, document)

	importer, err := New(db, srv.URL)
	require.NoError(t, err)

	result, err := importer.Import(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Result{Updated: 2, Skipped: 3}, result)

	pkg, err := db.Find(ctx, "foo.bar", "1.0.0")
	require.NoError(t, err)
	assert.EqualValues(t, 120, pkg.Downloads)

	pkg, err = db.Find(ctx, "foo.bar", "2.0.0-beta")
	require.NoError(t, err)
	assert.EqualValues(t, 7, pkg.Downloads)
}

func TestImport_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, ""},
		{"not an array", http.StatusOK, `{"Foo": 1}`},
		{"bad entry", http.StatusOK, `[["Foo", ["1.0.0"]]]`},
		{"bad count", http.StatusOK, `[["Foo", ["1.0.0", "many"]]]`},
		{"truncated", http.StatusOK, `[["Foo", ["1.0.0", 1]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := serve(t, tt.status, tt.body)
			importer, err := New(seededDB(t), srv.URL, WithRetryMax(0))
			require.NoError(t, err)

			_, err = importer.Import(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestImport_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(document))
	}))
	t.Cleanup(srv.Close)

	importer, err := New(seededDB(t), srv.URL)
	require.NoError(t, err)
	importer.client.RetryWaitMin = time.Millisecond
	importer.client.RetryWaitMax = time.Millisecond

	result, err := importer.Import(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Updated)
	assert.EqualValues(t, 2, hits.Load())
}

func TestRun(t *testing.T) {
	srv, hits := serve(t, http.StatusOK, document)
	importer, err := New(seededDB(t), srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- importer.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	assert.Error(t, importer.Run(context.Background(), 0))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "http://example.com")
	assert.Error(t, err)

	_, err = New(memory.New(), "")
	assert.Error(t, err)
}

func TestDecodeEntries(t *testing.T) {
	var got []string
	err := decodeEntries(strings.NewReader(`[[], ["A", ["1.0.0", 1]], ["B"]]`), func(id, version string, count int64) error {
		got = append(got, id+"@"+version)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A@1.0.0"}, got)
}
