// Package feedzip reads tabular text files out of zipped GTFS archives.
//
// Tables are exposed as streaming cursors over the underlying zip entry so a
// merge never has to hold a whole table (stop_times.txt can be huge) in
// memory.
package feedzip

import (
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	logx "feedmanager/pkg/logx"
)

// Archive is a readable zipped feed.
type Archive struct {
	zr     *zip.Reader
	closer io.Closer
	log    logx.Logger
}

// OpenFile opens a feed archive on disk.
func OpenFile(path string, log logx.Logger) (*Archive, error) {
	zrc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("feedzip: open %s: %w", path, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Archive{zr: &zrc.Reader, closer: zrc, log: log}, nil
}

// New wraps an in-memory or already-open archive.
func New(r io.ReaderAt, size int64, log logx.Logger) (*Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("feedzip: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Archive{zr: zr, log: log}, nil
}

func (a *Archive) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// Raw opens a non-tabular entry (e.g. locations.geojson) verbatim. The
// second return is false when the archive does not contain the entry.
func (a *Archive) Raw(name string) (io.ReadCloser, bool, error) {
	for _, f := range a.zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, true, fmt.Errorf("feedzip: open entry %s: %w", name, err)
			}
			return rc, true, nil
		}
	}
	return nil, false, nil
}

// Table opens a streaming cursor over the named table. The second return is
// false when the archive simply does not contain the table; that is not an
// error (feeds routinely omit optional files).
func (a *Archive) Table(name string) (*TableReader, bool, error) {
	var entry *zip.File
	for _, f := range a.zr.File {
		if f.Name == name {
			entry = f
			break
		}
	}
	if entry == nil {
		return nil, false, nil
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, true, fmt.Errorf("feedzip: open entry %s: %w", name, err)
	}

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		_ = rc.Close()
		if err := sc.Err(); err != nil {
			return nil, true, fmt.Errorf("feedzip: read header of %s: %w", name, err)
		}
		return nil, true, fmt.Errorf("feedzip: %s has no header row", name)
	}
	header := splitFields(trimLine(sc.Text()))

	return &TableReader{name: name, rc: rc, sc: sc, header: header, log: a.log}, true, nil
}

// TableReader is a finite, non-restartable cursor over one table's rows.
type TableReader struct {
	name   string
	rc     io.ReadCloser
	sc     *bufio.Scanner
	header []string
	log    logx.Logger
}

func (t *TableReader) Name() string     { return t.name }
func (t *TableReader) Header() []string { return t.header }

// Next returns the next data row, already split into fields. Rows whose
// split yields fewer than 2 fields (blank or unsplittable lines) are skipped
// with a warning; they never abort the table. Returns io.EOF when exhausted.
func (t *TableReader) Next() ([]string, error) {
	for t.sc.Scan() {
		row := splitFields(trimLine(t.sc.Text()))
		if len(row) < 2 {
			t.log.Warn("skipping malformed row", logx.String("table", t.name))
			continue
		}
		return row, nil
	}
	if err := t.sc.Err(); err != nil {
		return nil, fmt.Errorf("feedzip: read %s: %w", t.name, err)
	}
	return nil, io.EOF
}

func (t *TableReader) Close() error {
	if t.rc == nil {
		return nil
	}
	err := t.rc.Close()
	t.rc = nil
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

func trimLine(s string) string {
	return strings.TrimRight(s, "\r")
}

// splitFields splits a record on commas that are outside double quotes.
// Field text is kept verbatim (quotes included): the merge is a passthrough,
// not a CSV normalizer.
func splitFields(line string) []string {
	if line == "" {
		return nil
	}
	fields := make([]string, 0, 8)
	var (
		start    int
		inQuotes bool
	)
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				fields = append(fields, line[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, line[start:])
	return fields
}
