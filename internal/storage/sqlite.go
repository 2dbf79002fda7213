package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "feedmanager/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	var created, updated string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, af_enabled, af_hour, af_minute, af_zone, af_interval, created_at, updated_at
		 FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &enabled, &p.AutoFetch.Hour, &p.AutoFetch.Minute,
		&p.AutoFetch.TimeZoneID, &p.AutoFetch.IntervalDays, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	p.AutoFetch.Enabled = enabled != 0
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

func (s *sqliteStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, af_enabled, af_hour, af_minute, af_zone, af_interval, created_at, updated_at
		 FROM projects ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var created, updated string
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &enabled, &p.AutoFetch.Hour, &p.AutoFetch.Minute,
			&p.AutoFetch.TimeZoneID, &p.AutoFetch.IntervalDays, &created, &updated); err != nil {
			return nil, err
		}
		p.AutoFetch.Enabled = enabled != 0
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutProject(ctx context.Context, p Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id, name, af_enabled, af_hour, af_minute, af_zone, af_interval, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, af_enabled=excluded.af_enabled, af_hour=excluded.af_hour,
		   af_minute=excluded.af_minute, af_zone=excluded.af_zone, af_interval=excluded.af_interval,
		   updated_at=excluded.updated_at`,
		p.ID, p.Name, boolInt(p.AutoFetch.Enabled), p.AutoFetch.Hour, p.AutoFetch.Minute,
		p.AutoFetch.TimeZoneID, p.AutoFetch.IntervalDays,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

func (s *sqliteStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM versions WHERE feed_id IN (SELECT id FROM feeds WHERE project_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE project_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetFeed(ctx context.Context, id string) (Feed, error) {
	var f Feed
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, label, url, created_at FROM feeds WHERE id = ?`, id,
	).Scan(&f.ID, &f.ProjectID, &f.Name, &f.Label, &f.URL, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Feed{}, ErrNotFound
	}
	if err != nil {
		return Feed{}, err
	}
	f.CreatedAt = parseTime(created)
	return f, nil
}

func (s *sqliteStore) ListFeeds(ctx context.Context, projectID string) ([]Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, label, url, created_at FROM feeds
		 WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feed
	for rows.Next() {
		var f Feed
		var created string
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Name, &f.Label, &f.URL, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = parseTime(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutFeed(ctx context.Context, f Feed) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds(id, project_id, name, label, url, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   project_id=excluded.project_id, name=excluded.name,
		   label=excluded.label, url=excluded.url`,
		f.ID, f.ProjectID, f.Name, f.Label, f.URL, formatTime(f.CreatedAt))
	return err
}

func (s *sqliteStore) DeleteFeed(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE feed_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) PutVersion(ctx context.Context, v Version) error {
	if v.FetchedAt.IsZero() {
		v.FetchedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO versions(id, feed_id, path, hash, size_bytes, fetched_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   path=excluded.path, hash=excluded.hash, size_bytes=excluded.size_bytes,
		   fetched_at=excluded.fetched_at`,
		v.ID, v.FeedID, v.Path, v.Hash, v.SizeBytes, formatTime(v.FetchedAt))
	return err
}

func (s *sqliteStore) LatestVersion(ctx context.Context, feedID string) (Version, error) {
	var v Version
	var fetched string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, feed_id, path, hash, size_bytes, fetched_at FROM versions
		 WHERE feed_id = ? ORDER BY fetched_at DESC, id DESC LIMIT 1`, feedID,
	).Scan(&v.ID, &v.FeedID, &v.Path, &v.Hash, &v.SizeBytes, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, err
	}
	v.FetchedAt = parseTime(fetched)
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
