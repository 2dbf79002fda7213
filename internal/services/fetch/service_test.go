package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmanager/internal/storage"
	logx "feedmanager/pkg/logx"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func validFeedZip(t *testing.T) []byte {
	return zipBytes(t, map[string]string{
		"agency.txt": "agency_id,agency_name\n1,Metro\n",
		"stops.txt":  "stop_id,stop_name\nA1,Main St\n",
	})
}

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := New(Config{VersionsDir: filepath.Join(dir, "versions"), RatePerSec: 100}, st, logx.Nop())
	return svc, st
}

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRecordsVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	srv := serveBytes(t, validFeedZip(t))

	feed := storage.Feed{ID: "f1", ProjectID: "p1", Name: "metro", URL: srv.URL}
	require.NoError(t, st.PutFeed(ctx, feed))

	require.NoError(t, svc.RunProject(ctx, "p1", "manual"))

	v, err := st.LatestVersion(ctx, "f1")
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.Len(t, v.Hash, 64)
	assert.FileExists(t, v.Path)
	assert.Positive(t, v.SizeBytes)
}

func TestFetchSkipsUnchangedContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	srv := serveBytes(t, validFeedZip(t))

	require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f1", ProjectID: "p1", Name: "metro", URL: srv.URL}))

	require.NoError(t, svc.RunProject(ctx, "p1", "auto"))
	first, err := st.LatestVersion(ctx, "f1")
	require.NoError(t, err)

	require.NoError(t, svc.RunProject(ctx, "p1", "auto"))
	second, err := st.LatestVersion(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "identical bytes must not create a new version")
}

func TestFetchRejectsBadStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f1", ProjectID: "p1", Name: "metro", URL: srv.URL}))

	err := svc.RunProject(ctx, "p1", "manual")
	require.Error(t, err)
	_, err = st.LatestVersion(ctx, "f1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFetchRejectsNonArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	srv := serveBytes(t, []byte("<html>not a feed</html>"))

	require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f1", ProjectID: "p1", Name: "metro", URL: srv.URL}))

	require.Error(t, svc.RunProject(ctx, "p1", "manual"))
	_, err := st.LatestVersion(ctx, "f1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFetchValidatesLocationsGeoJSON(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("invalid rejected", func(t *testing.T) {
		t.Parallel()
		svc, st := newTestService(t)
		bad := zipBytes(t, map[string]string{
			"stops.txt":         "stop_id,stop_name\nA1,Main St\n",
			"locations.geojson": `{"type":"FeatureCollection"`,
		})
		srv := serveBytes(t, bad)
		require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f1", ProjectID: "p1", Name: "flex", URL: srv.URL}))

		require.Error(t, svc.RunProject(ctx, "p1", "manual"))
		_, err := st.LatestVersion(ctx, "f1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("valid accepted", func(t *testing.T) {
		t.Parallel()
		svc, st := newTestService(t)
		good := zipBytes(t, map[string]string{
			"stops.txt": "stop_id,stop_name\nA1,Main St\n",
			"locations.geojson": `{"type":"FeatureCollection","features":[` +
				`{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`,
		})
		srv := serveBytes(t, good)
		require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f1", ProjectID: "p1", Name: "flex", URL: srv.URL}))

		require.NoError(t, svc.RunProject(ctx, "p1", "manual"))
		_, err := st.LatestVersion(ctx, "f1")
		assert.NoError(t, err)
	})
}

func TestRunProjectContinuesPastFailingFeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)

	good := serveBytes(t, validFeedZip(t))
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)

	require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f1", ProjectID: "p1", Name: "broken", URL: bad.URL}))
	require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f2", ProjectID: "p1", Name: "metro", URL: good.URL}))

	err := svc.RunProject(ctx, "p1", "auto")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")

	_, err = st.LatestVersion(ctx, "f2")
	assert.NoError(t, err, "healthy sibling must still be fetched")
}

func TestOpenLatestSkipsUnfetchedFeeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st := newTestService(t)
	srv := serveBytes(t, validFeedZip(t))

	require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f1", ProjectID: "p1", Name: "metro", Label: "metro", URL: srv.URL}))
	require.NoError(t, st.PutFeed(ctx, storage.Feed{ID: "f2", ProjectID: "p1", Name: "pending", URL: srv.URL + "/other"}))

	// Only f1 gets a version.
	feed, err := st.GetFeed(ctx, "f1")
	require.NoError(t, err)
	require.NoError(t, svc.fetchFeed(ctx, feed))

	sources, closeAll, err := svc.OpenLatest(ctx, "p1")
	require.NoError(t, err)
	defer closeAll()

	require.Len(t, sources, 1)
	assert.Equal(t, "f1", sources[0].Feed.ID)
	assert.Equal(t, "metro", sources[0].Label)

	_, ok, err := sources[0].Archive.Table("stops.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}
