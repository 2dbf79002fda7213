package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "feedmanager/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fileStore.Close() })

	sqlStore, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{"file": fileStore, "sqlite": sqlStore}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestProjectRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			p := Project{
				ID:   "p1",
				Name: "Regional",
				AutoFetch: AutoFetchPolicy{
					Enabled: true, Hour: 2, Minute: 30,
					TimeZoneID: "America/Chicago", IntervalDays: 1,
				},
			}
			require.NoError(t, st.PutProject(ctx, p))

			got, err := st.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "Regional", got.Name)
			assert.Equal(t, p.AutoFetch, got.AutoFetch)
			assert.False(t, got.CreatedAt.IsZero())

			// Upsert keeps identity, replaces the policy.
			p.AutoFetch.Enabled = false
			require.NoError(t, st.PutProject(ctx, p))
			got, err = st.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.False(t, got.AutoFetch.Enabled)

			all, err := st.ListProjects(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)

			_, err = st.GetProject(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFeedsScopedToProject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.PutProject(ctx, Project{ID: "p1", Name: "One"}))
			require.NoError(t, st.PutProject(ctx, Project{ID: "p2", Name: "Two"}))

			base := time.Now().Add(-time.Hour)
			require.NoError(t, st.PutFeed(ctx, Feed{ID: "f1", ProjectID: "p1", Name: "metro", Label: "metro", URL: "https://example.com/a.zip", CreatedAt: base}))
			require.NoError(t, st.PutFeed(ctx, Feed{ID: "f2", ProjectID: "p1", Name: "valley", Label: "valley", URL: "https://example.com/b.zip", CreatedAt: base.Add(time.Minute)}))
			require.NoError(t, st.PutFeed(ctx, Feed{ID: "f3", ProjectID: "p2", Name: "other", URL: "https://example.com/c.zip"}))

			feeds, err := st.ListFeeds(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, feeds, 2)
			assert.Equal(t, "f1", feeds[0].ID)
			assert.Equal(t, "f2", feeds[1].ID)
		})
	}
}

func TestVersionsLatestWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.PutFeed(ctx, Feed{ID: "f1", ProjectID: "p1", Name: "metro", URL: "u"}))

			now := time.Now()
			require.NoError(t, st.PutVersion(ctx, Version{ID: "v1", FeedID: "f1", Path: "a.zip", Hash: "aa", FetchedAt: now.Add(-time.Hour)}))
			require.NoError(t, st.PutVersion(ctx, Version{ID: "v2", FeedID: "f1", Path: "b.zip", Hash: "bb", FetchedAt: now}))

			v, err := st.LatestVersion(ctx, "f1")
			require.NoError(t, err)
			assert.Equal(t, "v2", v.ID)
			assert.Equal(t, "bb", v.Hash)

			_, err = st.LatestVersion(ctx, "f9")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.PutProject(ctx, Project{ID: "p1", Name: "One"}))
			require.NoError(t, st.PutFeed(ctx, Feed{ID: "f1", ProjectID: "p1", Name: "metro", URL: "u"}))
			require.NoError(t, st.PutVersion(ctx, Version{ID: "v1", FeedID: "f1", Path: "a.zip", Hash: "aa"}))

			require.NoError(t, st.DeleteProject(ctx, "p1"))

			_, err := st.GetProject(ctx, "p1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = st.GetFeed(ctx, "f1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = st.LatestVersion(ctx, "f1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStoreReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutProject(ctx, Project{ID: "p1", Name: "Persisted"}))
	require.NoError(t, st.Close())

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	got, err := st2.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Persisted", got.Name)
}
