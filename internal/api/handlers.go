package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"feedmanager/internal/eventbus"
	"feedmanager/internal/gtfs/merge"
	"feedmanager/internal/services/autofetch"
	"feedmanager/internal/storage"
	logx "feedmanager/pkg/logx"
)

const maxBodyBytes = 1 << 20

func (s *Service) routes(token string) http.Handler {
	mux := http.NewServeMux()
	manage := func(h http.HandlerFunc) http.HandlerFunc { return withManage(token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("POST /projects", manage(s.handleCreateProject))
	mux.HandleFunc("GET /projects/{id}", s.handleGetProject)
	mux.HandleFunc("PUT /projects/{id}", manage(s.handleUpdateProject))
	mux.HandleFunc("DELETE /projects/{id}", manage(s.handleDeleteProject))

	mux.HandleFunc("GET /projects/{id}/feeds", s.handleListFeeds)
	mux.HandleFunc("POST /projects/{id}/feeds", manage(s.handleCreateFeed))
	mux.HandleFunc("DELETE /feeds/{id}", manage(s.handleDeleteFeed))

	mux.HandleFunc("POST /projects/{id}/fetch", manage(s.handleFetchNow))
	mux.HandleFunc("GET /projects/{id}/download", s.handleDownload)

	return mux
}

type projectRequest struct {
	Name      string                  `json:"name"`
	AutoFetch storage.AutoFetchPolicy `json:"auto_fetch"`
}

func (r projectRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	p := r.AutoFetch
	if p.Hour < 0 || p.Hour > 23 {
		return errors.New("auto_fetch.hour must be 0..23")
	}
	if p.Minute < 0 || p.Minute > 59 {
		return errors.New("auto_fetch.minute must be 0..59")
	}
	if p.Enabled && p.IntervalDays < 1 {
		return errors.New("auto_fetch.interval_days must be >= 1")
	}
	return nil
}

type projectResponse struct {
	storage.Project
	Scheduled     bool   `json:"scheduled"`
	ScheduleError string `json:"schedule_error,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	type status struct {
		Storage   bool               `json:"storage"`
		AutoFetch autofetch.Snapshot `json:"auto_fetch"`
	}
	st := status{Storage: s.deps.Store != nil}
	if s.deps.AutoFetch != nil {
		st.AutoFetch = s.deps.AutoFetch.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleEvents serves the fetch lifecycle events tailed from the bus,
// oldest first.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	evs := []eventbus.Event{}
	if s.deps.Events != nil {
		if recent := s.deps.Events.Recent(); recent != nil {
			evs = recent
		}
	}
	s.writeJSON(w, http.StatusOK, evs)
}

func (s *Service) handleListProjects(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	projects, err := st.ListProjects(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, s.projectResponse(p, ""))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleGetProject(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	p, err := st.GetProject(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.projectResponse(p, ""))
}

func (s *Service) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	var req projectRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p := storage.Project{ID: uuid.NewString(), Name: req.Name, AutoFetch: req.AutoFetch}
	if err := st.PutProject(r.Context(), p); err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.projectResponse(p, s.applySchedule(p)))
}

func (s *Service) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	prev, err := st.GetProject(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}

	var req projectRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p := prev
	p.Name = req.Name
	p.AutoFetch = req.AutoFetch
	if err := st.PutProject(r.Context(), p); err != nil {
		s.serverError(w, err)
		return
	}
	// Every policy mutation re-resolves the schedule: enabled installs
	// (replacing any existing handle), disabled cancels.
	s.writeJSON(w, http.StatusOK, s.projectResponse(p, s.applySchedule(p)))
}

func (s *Service) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if s.deps.AutoFetch != nil {
		s.deps.AutoFetch.Cancel(id)
	}
	if err := st.DeleteProject(r.Context(), id); err != nil {
		s.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type feedRequest struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

func (s *Service) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	feeds, err := st.ListFeeds(r.Context(), r.PathValue("id"))
	if err != nil {
		s.serverError(w, err)
		return
	}
	if feeds == nil {
		feeds = []storage.Feed{}
	}
	s.writeJSON(w, http.StatusOK, feeds)
}

func (s *Service) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	projectID := r.PathValue("id")
	if _, err := st.GetProject(r.Context(), projectID); errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	} else if err != nil {
		s.serverError(w, err)
		return
	}

	var req feedRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.URL) == "" {
		http.Error(w, "name and url are required", http.StatusBadRequest)
		return
	}

	f := storage.Feed{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      req.Name,
		Label:     strings.TrimSpace(req.Label),
		URL:       req.URL,
	}
	if err := st.PutFeed(r.Context(), f); err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Service) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	if err := st.DeleteFeed(r.Context(), r.PathValue("id")); err != nil {
		s.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleFetchNow(w http.ResponseWriter, r *http.Request) {
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := st.GetProject(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	} else if err != nil {
		s.serverError(w, err)
		return
	}
	if s.deps.AutoFetch == nil {
		http.Error(w, "fetching unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.deps.AutoFetch.TriggerNow(id); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fetch == nil || s.deps.Merge == nil {
		http.Error(w, "merging unavailable", http.StatusServiceUnavailable)
		return
	}
	st, ok := s.requireStore(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := st.GetProject(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	} else if err != nil {
		s.serverError(w, err)
		return
	}

	sources, closeAll, err := s.deps.Fetch.OpenLatest(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	defer closeAll()
	if len(sources) == 0 {
		http.Error(w, "no fetched feed versions to merge", http.StatusConflict)
		return
	}

	contribs := make([]merge.Contribution, 0, len(sources))
	for _, src := range sources {
		contribs = append(contribs, merge.Contribution{FeedID: src.Feed.ID, Label: src.Label, Archive: src.Archive})
	}

	// Merge to a scratch file first so a mid-merge failure returns an error
	// status instead of a truncated archive.
	out := filepath.Join(os.TempDir(), "merged-"+uuid.NewString()+".zip")
	if err := s.deps.Merge.MergeToFile(r.Context(), out, contribs); err != nil {
		s.serverError(w, err)
		return
	}
	defer os.Remove(out)

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	http.ServeFile(w, r, out)
}

// applySchedule reacts to a project's current policy and returns an error
// string for the response body when installing fails.
func (s *Service) applySchedule(p storage.Project) string {
	if s.deps.AutoFetch == nil {
		return ""
	}
	if !p.AutoFetch.Enabled {
		s.deps.AutoFetch.Cancel(p.ID)
		return ""
	}
	if err := s.deps.AutoFetch.Install(p.ID, autofetch.PolicyFrom(p.AutoFetch)); err != nil {
		s.log.Warn("schedule install failed", logx.String("project", p.ID), logx.Err(err))
		return err.Error()
	}
	return ""
}

func (s *Service) projectResponse(p storage.Project, scheduleErr string) projectResponse {
	resp := projectResponse{Project: p, ScheduleError: scheduleErr}
	if s.deps.AutoFetch != nil {
		resp.Scheduled = s.deps.AutoFetch.Scheduled(p.ID)
	}
	return resp
}

func (s *Service) requireStore(w http.ResponseWriter) (storage.Store, bool) {
	if s.deps.Store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return nil, false
	}
	return s.deps.Store, true
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.serverError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Service) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Service) serverError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", logx.Err(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
