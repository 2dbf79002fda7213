// Package fetch downloads feed archives, detects changes, and records
// fetched versions. One fetch sweep covers every feed in a project; a feed
// that fails to download or validate is logged and skipped, it never aborts
// the sweep for its siblings.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/geojson"
	"golang.org/x/time/rate"

	"feedmanager/internal/gtfs/feedzip"
	"feedmanager/internal/storage"
	logx "feedmanager/pkg/logx"
)

// locationsFile is the GTFS-Flex geometry entry; validated when present.
const locationsFile = "locations.geojson"

type Config struct {
	// VersionsDir is where downloaded feed archives are stored, one
	// subdirectory per feed id.
	VersionsDir string

	// RatePerSec throttles outgoing downloads across all feeds. 0 means 1/s.
	RatePerSec int

	Timeout   time.Duration
	UserAgent string
}

type Service struct {
	log     logx.Logger
	store   storage.Store
	client  *http.Client
	limiter *rate.Limiter
	cfg     Config
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{
		log:     log,
		store:   store,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		cfg:     cfg,
	}
}

// RunProject fetches every feed in the project once. It satisfies
// autofetch.RunFunc. A non-nil error means at least one feed failed; the
// others were still attempted.
func (s *Service) RunProject(ctx context.Context, projectID, triggeredBy string) error {
	if s.store == nil {
		return storage.ErrDisabled
	}
	feeds, err := s.store.ListFeeds(ctx, projectID)
	if err != nil {
		return fmt.Errorf("fetch: list feeds: %w", err)
	}
	if len(feeds) == 0 {
		s.log.Debug("project has no feeds", logx.String("project", projectID))
		return nil
	}

	log := s.log.With(logx.String("project", projectID), logx.String("trigger", triggeredBy))
	failed := 0
	for _, f := range feeds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fetchFeed(ctx, f); err != nil {
			failed++
			log.Warn("feed fetch failed", logx.String("feed", f.ID), logx.String("url", f.URL), logx.Err(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("fetch: %d of %d feeds failed", failed, len(feeds))
	}
	return nil
}

func (s *Service) fetchFeed(ctx context.Context, f storage.Feed) error {
	if strings.TrimSpace(f.URL) == "" {
		return errors.New("feed has no url")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return err
	}
	if ua := strings.TrimSpace(s.cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	feedDir := filepath.Join(s.cfg.VersionsDir, f.ID)
	if err := os.MkdirAll(feedDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(feedDir, "download-*.zip")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if err != nil {
		discard()
		return fmt.Errorf("download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	sum := hex.EncodeToString(h.Sum(nil))

	// Unchanged upstream: keep the recorded latest version, drop the copy.
	if prev, err := s.store.LatestVersion(ctx, f.ID); err == nil && prev.Hash == sum {
		_ = os.Remove(tmpPath)
		s.log.Debug("feed unchanged", logx.String("feed", f.ID), logx.String("hash", sum[:12]))
		return nil
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := s.validateArchive(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	versionID := uuid.NewString()
	finalPath := filepath.Join(feedDir, versionID+".zip")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	v := storage.Version{
		ID:        versionID,
		FeedID:    f.ID,
		Path:      finalPath,
		Hash:      sum,
		SizeBytes: size,
		FetchedAt: time.Now(),
	}
	if err := s.store.PutVersion(ctx, v); err != nil {
		_ = os.Remove(finalPath)
		return err
	}
	s.log.Info("feed version recorded",
		logx.String("feed", f.ID), logx.String("version", versionID),
		logx.Int64("size", size), logx.String("hash", sum[:12]))
	return nil
}

// validateArchive rejects downloads that are not readable zip archives or
// whose locations.geojson does not parse. Rejection keeps the previously
// recorded version as latest.
func (s *Service) validateArchive(path string) error {
	a, err := feedzip.OpenFile(path, s.log)
	if err != nil {
		return fmt.Errorf("invalid archive: %w", err)
	}
	defer a.Close()

	rc, present, err := a.Raw(locationsFile)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read %s: %w", locationsFile, err)
	}
	if _, err := geojson.Parse(string(b), &geojson.ParseOptions{RequireValid: true}); err != nil {
		return fmt.Errorf("invalid %s: %w", locationsFile, err)
	}
	return nil
}

// OpenLatest opens the latest recorded version of every feed in the project
// for merging. Feeds with no fetched version yet are skipped. The returned
// closer releases all opened archives.
func (s *Service) OpenLatest(ctx context.Context, projectID string) ([]Source, func(), error) {
	if s.store == nil {
		return nil, nil, storage.ErrDisabled
	}
	feeds, err := s.store.ListFeeds(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}

	var sources []Source
	closeAll := func() {
		for _, src := range sources {
			_ = src.Archive.Close()
		}
	}
	for _, f := range feeds {
		v, err := s.store.LatestVersion(ctx, f.ID)
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Debug("feed has no version yet", logx.String("feed", f.ID))
			continue
		}
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		a, err := feedzip.OpenFile(v.Path, s.log)
		if err != nil {
			// A version whose file went missing on disk should not block the
			// project's other feeds.
			s.log.Warn("version unreadable; excluding feed",
				logx.String("feed", f.ID), logx.String("path", v.Path), logx.Err(err))
			continue
		}
		label := strings.TrimSpace(f.Label)
		if label == "" {
			label = f.ID
		}
		sources = append(sources, Source{Feed: f, Version: v, Label: label, Archive: a})
	}
	return sources, closeAll, nil
}

// Source is one feed's latest archive, ready to contribute to a merge.
type Source struct {
	Feed    storage.Feed
	Version storage.Version
	Label   string
	Archive *feedzip.Archive
}
