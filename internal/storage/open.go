package storage

import (
	"context"
	"errors"
	"strings"

	logx "feedmanager/pkg/logx"
)

// Store is the persistence API used by the services and the HTTP surface.
//
// Put operations are upserts keyed by id. Lookups return ErrNotFound when the
// entity does not exist. DeleteProject also removes the project's feeds and
// their versions.
type Store interface {
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	PutProject(ctx context.Context, p Project) error
	DeleteProject(ctx context.Context, id string) error

	GetFeed(ctx context.Context, id string) (Feed, error)
	ListFeeds(ctx context.Context, projectID string) ([]Feed, error)
	PutFeed(ctx context.Context, f Feed) error
	DeleteFeed(ctx context.Context, id string) error

	PutVersion(ctx context.Context, v Version) error
	LatestVersion(ctx context.Context, feedID string) (Version, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
