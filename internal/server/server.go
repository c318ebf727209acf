// Package server exposes the generation pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/book-expert/tts-studio/internal/orchestrator"
	"github.com/book-expert/tts-studio/internal/provider"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HeaderUserID carries the caller identity established by the gateway.
const HeaderUserID = "X-User-ID"

const (
	contentTypeJSON = "application/json"
	maxBodyBytes    = 4 << 20
)

// Generator is the pipeline behind the API.
type Generator interface {
	Run(ctx context.Context, userID string, ws *orchestrator.Workspace) (orchestrator.Report, error)
	Submit(ctx context.Context, userID string, req orchestrator.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (core.JobStatusResult, error)
	LoadWorkspace(ctx context.Context, projectID string) (*orchestrator.Workspace, error)
	SaveWorkspace(ctx context.Context, ws *orchestrator.Workspace) error
}

// AudioStore serves stored audio.
type AudioStore interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	ContentType(ref string) (string, error)
}

// Server is the HTTP API. Open workspaces are held per user and project.
type Server struct {
	log       *logger.Logger
	router    *chi.Mux
	generator Generator
	audio     AudioStore

	mu         sync.Mutex
	workspaces map[string]*orchestrator.Workspace
}

// New creates the server and registers its routes.
func New(generator Generator, audio AudioStore, log *logger.Logger) *Server {
	srv := &Server{
		log:        log,
		router:     chi.NewRouter(),
		generator:  generator,
		audio:      audio,
		workspaces: make(map[string]*orchestrator.Workspace),
	}

	srv.registerRoutes()

	return srv
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/healthz", s.health)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/load", s.loadProject)
			r.Get("/blocks", s.getBlocks)
			r.Put("/blocks", s.putBlocks)
			r.Patch("/blocks/{blockID}", s.editBlock)
			r.Post("/generate", s.generate)
			r.Post("/undo", s.undo)
			r.Post("/redo", s.redo)
		})

		r.Post("/jobs", s.submitJob)
		r.Get("/jobs/{jobID}", s.jobStatus)
		r.Get("/audio/*", s.getAudio)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

type projectResponse struct {
	ProjectID string           `json:"project_id"`
	Blocks    []core.TextBlock `json:"blocks"`
	CanUndo   bool             `json:"can_undo"`
	CanRedo   bool             `json:"can_redo"`
	Changed   *bool            `json:"changed,omitempty"`
}

func newProjectResponse(ws *orchestrator.Workspace) projectResponse {
	return projectResponse{
		ProjectID: ws.ProjectID(),
		Blocks:    ws.Blocks(),
		CanUndo:   ws.CanUndo(),
		CanRedo:   ws.CanRedo(),
	}
}

func (s *Server) loadProject(w http.ResponseWriter, r *http.Request) {
	ws, err := s.generator.LoadWorkspace(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.mu.Lock()
	s.workspaces[workspaceKey(r)] = ws
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, newProjectResponse(ws))
}

func (s *Server) getBlocks(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, newProjectResponse(ws))
}

func (s *Server) putBlocks(w http.ResponseWriter, r *http.Request) {
	var blocks []core.TextBlock

	err := decodeBody(w, r, &blocks)
	if err != nil {
		s.writeError(w, err)

		return
	}

	for _, block := range blocks {
		if block.ID == "" {
			s.writeError(w, fmt.Errorf("%w: every block needs an id", core.ErrValidation))

			return
		}
	}

	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	ws.Replace(blocks)
	s.save(w, r, ws, nil)
}

type editRequest struct {
	Text string `json:"text"`
}

func (s *Server) editBlock(w http.ResponseWriter, r *http.Request) {
	var req editRequest

	err := decodeBody(w, r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	err = ws.Edit(chi.URLParam(r, "blockID"), req.Text)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.save(w, r, ws, nil)
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	report, err := s.generator.Run(r.Context(), r.Header.Get(HeaderUserID), ws)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"report":  report,
		"summary": report.Summary(),
		"blocks":  ws.Blocks(),
	})
}

func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	s.step(w, r, (*orchestrator.Workspace).Undo)
}

func (s *Server) redo(w http.ResponseWriter, r *http.Request) {
	s.step(w, r, (*orchestrator.Workspace).Redo)
}

func (s *Server) step(w http.ResponseWriter, r *http.Request, move func(*orchestrator.Workspace) bool) {
	ws, err := s.workspace(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	changed := move(ws)
	if !changed {
		response := newProjectResponse(ws)
		response.Changed = &changed
		writeJSON(w, http.StatusOK, response)

		return
	}

	s.save(w, r, ws, &changed)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, ws *orchestrator.Workspace, changed *bool) {
	err := s.generator.SaveWorkspace(r.Context(), ws)
	if err != nil {
		s.writeError(w, err)

		return
	}

	response := newProjectResponse(ws)
	response.Changed = changed
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest

	err := decodeBody(w, r, &req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	jobID, err := s.generator.Submit(r.Context(), r.Header.Get(HeaderUserID), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.generator.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getAudio(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "*")

	if !s.ownsAudio(r.Header.Get(HeaderUserID), ref) {
		s.log.Warn("Audio %s refused: not in an open project of %s", ref, r.Header.Get(HeaderUserID))
		http.NotFound(w, r)

		return
	}

	data, err := s.audio.Get(r.Context(), ref)
	if err != nil {
		s.log.Warn("Audio %s not served: %v", ref, err)
		http.NotFound(w, r)

		return
	}

	contentType, err := s.audio.ContentType(ref)
	if err != nil || contentType == "" {
		contentType = http.DetectContentType(data)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ownsAudio reports whether ref names audio of a project the user has open.
func (s *Server) ownsAudio(userID, ref string) bool {
	projectID, ok := objectstore.AudioProject(ref)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, open := s.workspaces[userID+"/"+projectID]

	return open
}

// workspace returns the caller's open workspace, loading it on first use.
func (s *Server) workspace(r *http.Request) (*orchestrator.Workspace, error) {
	key := workspaceKey(r)

	s.mu.Lock()
	ws, ok := s.workspaces[key]
	s.mu.Unlock()

	if ok {
		return ws, nil
	}

	loaded, err := s.generator.LoadWorkspace(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another request may have loaded it meanwhile.
	if ws, ok := s.workspaces[key]; ok {
		return ws, nil
	}

	s.workspaces[key] = loaded

	return loaded, nil
}

func workspaceKey(r *http.Request) string {
	return r.Header.Get(HeaderUserID) + "/" + chi.URLParam(r, "projectID")
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed: %v", err)
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrBlockNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInsufficientQuota), errors.Is(err, core.ErrAccountNotFound):
		return http.StatusPaymentRequired
	case errors.Is(err, core.ErrVoiceUnavailable):
		return http.StatusConflict
	case errors.Is(err, core.ErrProviderRejected),
		errors.Is(err, core.ErrResultUnavailable),
		errors.Is(err, provider.ErrAuthentication):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderUserID) == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + HeaderUserID + " header"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		s.log.Info("%s %s -> %d (%s, request %s)",
			r.Method, r.URL.Path, wrapped.Status(), time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	err := json.NewDecoder(r.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("%w: invalid request body: %w", core.ErrValidation, err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
