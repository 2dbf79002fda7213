// Package merge combines same-named tables from several feed archives into
// one output archive, rewriting identifier fields so they stay unique across
// the merged result.
package merge

import (
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"feedmanager/internal/gtfs/feedzip"
	"feedmanager/internal/gtfs/spec"
	logx "feedmanager/pkg/logx"
)

// Contribution is one feed taking part in a merge. The label is the
// namespace prefix applied to identifier values.
type Contribution struct {
	FeedID  string
	Label   string
	Archive *feedzip.Archive
}

// Engine merges feed archives according to a fixed table descriptor set.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	tables []spec.Table
	log    logx.Logger
}

func NewEngine(tables []spec.Table, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{tables: tables, log: log}
}

// Tables returns the descriptor set driving this engine.
func (e *Engine) Tables() []spec.Table { return e.tables }

// Merge writes one zip archive to w containing, in schema order, every table
// that at least one contribution provides. Row order is contribution order,
// then the archive's own row order.
//
// A contribution whose table cannot be opened or read contributes no rows to
// that table but never aborts the merge. Output-side failures do abort: the
// caller must discard whatever was written (see MergeToFile).
func (e *Engine) Merge(ctx context.Context, w io.Writer, contribs []Contribution) error {
	zw := zip.NewWriter(w)

	for _, table := range e.tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.mergeTable(zw, table, contribs); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("merge: finalize archive: %w", err)
	}
	return nil
}

func (e *Engine) mergeTable(zw *zip.Writer, table spec.Table, contribs []Contribution) error {
	// Open the table in every contribution first so an entry is only created
	// when at least one feed actually has it.
	type source struct {
		contrib Contribution
		reader  *feedzip.TableReader
	}
	var sources []source
	for _, c := range contribs {
		tr, present, err := c.Archive.Table(table.Name)
		if err != nil {
			e.log.Warn("table unreadable; excluding feed from table",
				logx.String("table", table.Name), logx.String("feed", c.Label), logx.Err(err))
			continue
		}
		if !present {
			continue
		}
		sources = append(sources, source{contrib: c, reader: tr})
	}
	if len(sources) == 0 {
		return nil
	}
	defer func() {
		for _, s := range sources {
			_ = s.reader.Close()
		}
	}()

	ew, err := zw.Create(table.Name)
	if err != nil {
		return fmt.Errorf("merge: create entry %s: %w", table.Name, err)
	}
	bw := bufio.NewWriter(ew)

	outFields := table.OutputFields()
	names := make([]string, len(outFields))
	for i, f := range outFields {
		names[i] = f.Name
	}
	if _, err := bw.WriteString(strings.Join(names, ",") + "\n"); err != nil {
		return fmt.Errorf("merge: write %s: %w", table.Name, err)
	}

	out := make([]string, len(outFields))
	for _, s := range sources {
		e.log.Debug("adding table rows",
			logx.String("table", table.Name), logx.String("feed", s.contrib.Label))
		header := s.reader.Header()
		for {
			row, err := s.reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				// A feed that goes bad mid-read loses its remaining rows for
				// this table only; the merge keeps going.
				e.log.Warn("table read failed; excluding remaining rows",
					logx.String("table", table.Name), logx.String("feed", s.contrib.Label), logx.Err(err))
				break
			}
			for i, f := range outFields {
				out[i] = resolveField(f, header, row, s.contrib.Label)
			}
			if _, err := bw.WriteString(strings.Join(out, ",") + "\n"); err != nil {
				return fmt.Errorf("merge: write %s: %w", table.Name, err)
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("merge: write %s: %w", table.Name, err)
	}
	return nil
}

// MergeToFile merges into path atomically: output goes to a temp file in the
// same directory and is renamed into place only on success, so a failed
// merge never leaves a half-written archive behind.
func (e *Engine) MergeToFile(ctx context.Context, path string, contribs []Contribution) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("merge: temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := e.Merge(ctx, tmp, contribs); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("merge: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("merge: move into place: %w", err)
	}
	return nil
}
