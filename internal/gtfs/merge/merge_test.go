package merge

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmanager/internal/gtfs/feedzip"
	"feedmanager/internal/gtfs/spec"
	logx "feedmanager/pkg/logx"
)

var stopsTable = spec.Table{
	Name: "stops.txt",
	Fields: []spec.Field{
		{Name: "stop_id", Type: spec.TypeID, Required: true},
		{Name: "stop_name", Type: spec.TypeText},
		{Name: "parent_station", Type: spec.TypeStopRef},
	},
}

var agencyTable = spec.Table{
	Name: "agency.txt",
	Fields: []spec.Field{
		{Name: "agency_id", Type: spec.TypeID},
		{Name: "agency_name", Type: spec.TypeText, Required: true},
		{Name: "agency_branding_url", Type: spec.TypeURL, Editor: true},
	},
}

func buildArchive(t *testing.T, files map[string]string) *feedzip.Archive {
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

	a, err := feedzip.New(bytes.NewReader(buf.Bytes()), int64(buf.Len()), logx.Nop())
	require.NoError(t, err)
	return a
}

func runMerge(t *testing.T, tables []spec.Table, contribs []Contribution) map[string]string {
	t.Helper()
	var out bytes.Buffer
	e := NewEngine(tables, logx.Nop())
	require.NoError(t, e.Merge(context.Background(), &out, contribs))

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)

	got := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		got[f.Name] = string(b)
	}
	return got
}

// requireTableText fails with a readable unified diff when the merged table
// does not match.
func requireTableText(t *testing.T, want, got string) {
	t.Helper()
	if want == got {
		return
	}
	edits := myers.ComputeEdits(span.URIFromPath("table.txt"), want, got)
	t.Fatalf("merged table mismatch:\n%s", gotextdiff.ToUnified("want", "got", want, edits))
}

func TestMergeTwoFeeds(t *testing.T) {
	t.Parallel()
	x := buildArchive(t, map[string]string{
		"stops.txt": "stop_id,stop_name,parent_station\nA1,Main St,\n",
	})
	y := buildArchive(t, map[string]string{
		"stops.txt": "stop_id,stop_name,parent_station\nA1,Other Main St,A0\n",
	})

	got := runMerge(t, []spec.Table{stopsTable}, []Contribution{
		{FeedID: "f1", Label: "feedX", Archive: x},
		{FeedID: "f2", Label: "feedY", Archive: y},
	})

	want := "stop_id,stop_name,parent_station\n" +
		"feedX:A1,Main St,\n" +
		"feedY:A1,Other Main St,feedY:A0\n"
	requireTableText(t, want, got["stops.txt"])
}

func TestMergeOmitsTablesNobodyHas(t *testing.T) {
	t.Parallel()
	x := buildArchive(t, map[string]string{
		"agency.txt": "agency_id,agency_name\n1,Metro\n",
	})
	y := buildArchive(t, map[string]string{
		"agency.txt": "agency_id,agency_name\n1,Valley Bus\n",
	})

	got := runMerge(t, []spec.Table{agencyTable, stopsTable}, []Contribution{
		{FeedID: "f1", Label: "metro", Archive: x},
		{FeedID: "f2", Label: "valley", Archive: y},
	})

	_, hasStops := got["stops.txt"]
	assert.False(t, hasStops, "stops.txt must not appear, not even empty")
	assert.Contains(t, got, "agency.txt")
}

func TestMergeTableFromSingleFeed(t *testing.T) {
	t.Parallel()
	x := buildArchive(t, map[string]string{
		"stops.txt": "stop_id,stop_name\nA1,Main St\n",
	})
	y := buildArchive(t, map[string]string{
		"agency.txt": "agency_id,agency_name\n1,Valley Bus\n",
	})

	got := runMerge(t, []spec.Table{stopsTable}, []Contribution{
		{FeedID: "f1", Label: "metro", Archive: x},
		{FeedID: "f2", Label: "valley", Archive: y},
	})

	// parent_station column is absent from the feed entirely: empty values.
	want := "stop_id,stop_name,parent_station\nmetro:A1,Main St,\n"
	requireTableText(t, want, got["stops.txt"])
}

func TestMergeSkipsBlankAndShortLines(t *testing.T) {
	t.Parallel()
	x := buildArchive(t, map[string]string{
		"stops.txt": "stop_id,stop_name,parent_station\nA1,Main St,\n\nB2\nC3,Oak Ave,A1\n",
	})

	got := runMerge(t, []spec.Table{stopsTable}, []Contribution{
		{FeedID: "f1", Label: "metro", Archive: x},
	})

	// "B2" alone splits to one field: dropped. "C3,Oak Ave,A1" survives.
	want := "stop_id,stop_name,parent_station\n" +
		"metro:A1,Main St,\n" +
		"metro:C3,Oak Ave,metro:A1\n"
	requireTableText(t, want, got["stops.txt"])
}

func TestMergeShortRowDegradesPerField(t *testing.T) {
	t.Parallel()
	x := buildArchive(t, map[string]string{
		"stops.txt": "stop_id,stop_name,parent_station\nA1,Main St\n",
	})

	got := runMerge(t, []spec.Table{stopsTable}, []Contribution{
		{FeedID: "f1", Label: "metro", Archive: x},
	})

	// Two cells present, third missing: row is kept, missing cell is empty.
	want := "stop_id,stop_name,parent_station\nmetro:A1,Main St,\n"
	requireTableText(t, want, got["stops.txt"])
}

func TestMergeExcludesEditorFields(t *testing.T) {
	t.Parallel()
	x := buildArchive(t, map[string]string{
		"agency.txt": "agency_id,agency_name,agency_branding_url\n1,Metro,https://example.com/logo\n",
	})

	got := runMerge(t, []spec.Table{agencyTable}, []Contribution{
		{FeedID: "f1", Label: "metro", Archive: x},
	})

	want := "agency_id,agency_name\nmetro:1,Metro\n"
	requireTableText(t, want, got["agency.txt"])
}

func TestMergeToleratesOneBadContribution(t *testing.T) {
	t.Parallel()
	good := buildArchive(t, map[string]string{
		"stops.txt": "stop_id,stop_name\nA1,Main St\n",
	})
	// stops.txt exists but has no header row: opening it fails.
	bad := buildArchive(t, map[string]string{
		"stops.txt": "",
	})

	got := runMerge(t, []spec.Table{stopsTable}, []Contribution{
		{FeedID: "f1", Label: "bad", Archive: bad},
		{FeedID: "f2", Label: "good", Archive: good},
	})

	want := "stop_id,stop_name,parent_station\ngood:A1,Main St,\n"
	requireTableText(t, want, got["stops.txt"])
}

func TestMergeToFileDiscardsPartialOutput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	target := filepath.Join(dir, "merged.zip")

	x := buildArchive(t, map[string]string{
		"stops.txt": "stop_id,stop_name\nA1,Main St\n",
	})
	e := NewEngine([]spec.Table{stopsTable}, logx.Nop())

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.MergeToFile(canceled, target, []Contribution{{FeedID: "f1", Label: "metro", Archive: x}})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial output may remain")

	// And a successful run produces a readable archive at the target path.
	require.NoError(t, e.MergeToFile(context.Background(), target, []Contribution{{FeedID: "f1", Label: "metro", Archive: x}}))
	zr, err := zip.OpenReader(target)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "stops.txt", zr.File[0].Name)
}
