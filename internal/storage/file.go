package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "feedmanager/pkg/logx"
)

// fileStore keeps everything in memory and persists a single JSON snapshot.
// Every mutation rewrites the snapshot via temp file + rename, so the file on
// disk is always a complete, parseable state.
//
// Suitable for small deployments; sqlite is the better fit once a project
// accumulates many versions.
type fileStore struct {
	log  logx.Logger
	path string

	mu       sync.Mutex
	projects map[string]Project
	feeds    map[string]Feed
	versions map[string][]Version // feed id -> versions in insert order
}

type fileSnapshot struct {
	Projects []Project `json:"projects"`
	Feeds    []Feed    `json:"feeds"`
	Versions []Version `json:"versions"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:      log,
		path:     path,
		projects: map[string]Project{},
		feeds:    map[string]Feed{},
		versions: map[string][]Version{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, p := range snap.Projects {
		s.projects[p.ID] = p
	}
	for _, f := range snap.Feeds {
		s.feeds[f.ID] = f
	}
	for _, v := range snap.Versions {
		s.versions[v.FeedID] = append(s.versions[v.FeedID], v)
	}
	return nil
}

func (s *fileStore) saveLocked() error {
	var snap fileSnapshot
	for _, p := range s.projects {
		snap.Projects = append(snap.Projects, p)
	}
	for _, f := range s.feeds {
		snap.Feeds = append(snap.Feeds, f)
	}
	for _, vs := range s.versions {
		snap.Versions = append(snap.Versions, vs...)
	}
	// Stable order keeps the snapshot diffable.
	sort.Slice(snap.Projects, func(i, j int) bool { return snap.Projects[i].ID < snap.Projects[j].ID })
	sort.Slice(snap.Feeds, func(i, j int) bool { return snap.Feeds[i].ID < snap.Feeds[j].ID })
	sort.Slice(snap.Versions, func(i, j int) bool { return snap.Versions[i].ID < snap.Versions[j].ID })

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) GetProject(ctx context.Context, id string) (Project, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *fileStore) ListProjects(ctx context.Context) ([]Project, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) PutProject(ctx context.Context, p Project) error {
	_ = ctx
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.projects[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	}
	s.projects[p.ID] = p
	return s.saveLocked()
}

func (s *fileStore) DeleteProject(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, id)
	for fid, f := range s.feeds {
		if f.ProjectID == id {
			delete(s.feeds, fid)
			delete(s.versions, fid)
		}
	}
	return s.saveLocked()
}

func (s *fileStore) GetFeed(ctx context.Context, id string) (Feed, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return Feed{}, ErrNotFound
	}
	return f, nil
}

func (s *fileStore) ListFeeds(ctx context.Context, projectID string) ([]Feed, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Feed
	for _, f := range s.feeds {
		if f.ProjectID == projectID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) PutFeed(ctx context.Context, f Feed) error {
	_ = ctx
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.feeds[f.ID]; ok {
		f.CreatedAt = prev.CreatedAt
	}
	s.feeds[f.ID] = f
	return s.saveLocked()
}

func (s *fileStore) DeleteFeed(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feeds, id)
	delete(s.versions, id)
	return s.saveLocked()
}

func (s *fileStore) PutVersion(ctx context.Context, v Version) error {
	_ = ctx
	if v.FetchedAt.IsZero() {
		v.FetchedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.FeedID] = append(s.versions[v.FeedID], v)
	return s.saveLocked()
}

func (s *fileStore) LatestVersion(ctx context.Context, feedID string) (Version, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[feedID]
	if len(vs) == 0 {
		return Version{}, ErrNotFound
	}
	best := vs[0]
	for _, v := range vs[1:] {
		if v.FetchedAt.After(best.FetchedAt) {
			best = v
		}
	}
	return best, nil
}
