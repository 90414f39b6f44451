package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kanpelabs/kanpe-core/internal/assist"
	"github.com/kanpelabs/kanpe-core/internal/audio"
	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/permissions"
	"github.com/kanpelabs/kanpe-core/internal/session"
	"github.com/kanpelabs/kanpe-core/internal/store"
)

// Server exposes the daemon's command surface as JSON over HTTP. Live events
// flow over the bus; this surface is for control and review.
type Server struct {
	manager      *session.Manager
	store        *store.Store
	orchestrator *assist.Orchestrator
	capture      config.CaptureConfig
	openSettings func() error
	log          *slog.Logger
}

func NewServer(manager *session.Manager, st *store.Store, orchestrator *assist.Orchestrator, capture config.CaptureConfig, log *slog.Logger) *Server {
	return &Server{
		manager:      manager,
		store:        st,
		orchestrator: orchestrator,
		capture:      capture,
		openSettings: permissions.OpenSettings,
		log:          log,
	}
}

// Register mounts all routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/recording/start", s.handleStart)
	mux.HandleFunc("POST /v1/recording/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /v1/recording/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/recording/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /v1/recording/active", s.handleActive)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /v1/sessions/{id}/export", s.handleExportSession)
	mux.HandleFunc("POST /v1/sessions/{id}/assist", s.handleAssist)
	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /v1/settings", s.handlePatchSettings)
	mux.HandleFunc("GET /v1/permissions", s.handlePermissions)
	mux.HandleFunc("POST /v1/permissions/request", s.handleRequestPermissions)
	mux.HandleFunc("POST /v1/permissions/open", s.handleOpenPermissions)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Start(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Pause(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, "paused")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Resume(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, "recording")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	info, ok := s.manager.Active()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"active": false, "session_id": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active":     true,
		"session_id": info.SessionID,
		"session":    info,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type sessionUsage struct {
	Captions      int   `json:"captions"`
	AiLogs        int   `json:"ai_logs"`
	AudioDataSize int64 `json:"audio_data_size"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := s.store.Detail(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		store.SessionDetail
		Usage sessionUsage `json:"usage"`
	}{detail, s.usageFor(detail)})
}

// usageFor sizes what a session occupies on disk beyond the database row.
// Audio archives are optional, so a missing directory simply counts as zero.
func (s *Server) usageFor(detail store.SessionDetail) sessionUsage {
	usage := sessionUsage{Captions: len(detail.Captions), AiLogs: len(detail.AiLogs)}
	if s.capture.ArchiveDir == "" {
		return usage
	}
	matches, err := filepath.Glob(filepath.Join(s.capture.ArchiveDir, detail.Session.ID+"-*.wav"))
	if err != nil {
		return usage
	}
	for _, path := range matches {
		if fi, err := os.Stat(path); err == nil {
			usage.AudioDataSize += fi.Size()
		}
	}
	return usage
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if info, ok := s.manager.Active(); ok && info.SessionID == id {
		s.writeError(w, fmt.Errorf("%w: stop it before deleting", session.ErrSessionActive))
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, "deleted")
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.Export(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.PathValue("id")+".json"))
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

type assistRequest struct {
	Action string `json:"action"`
	Prompt string `json:"prompt"`
	Query  string `json:"query"` // accepted as an alias for prompt
}

func (s *Server) handleAssist(w http.ResponseWriter, r *http.Request) {
	var req assistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = req.Query
	}
	content, err := s.orchestrator.Run(r.Context(), r.PathValue("id"), req.Action, prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"response": content})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch store.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	settings, err := s.store.UpdateSettings(r.Context(), patch)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePermissions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"permissions": permissions.Check(s.capture)})
}

func (s *Server) handleRequestPermissions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"permissions": permissions.Request(s.capture)})
}

func (s *Server) handleOpenPermissions(w http.ResponseWriter, _ *http.Request) {
	if err := s.openSettings(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, "opened")
}

func (s *Server) writeStatus(w http.ResponseWriter, status string) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, session.ErrWrongSession):
		code = http.StatusConflict
	case errors.Is(err, assist.ErrPromptRequired):
		code = http.StatusBadRequest
	case errors.Is(err, audio.ErrPermissionDenied):
		code = http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, permissions.ErrUnsupported):
		code = http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", slog.String("error", err.Error()))
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
