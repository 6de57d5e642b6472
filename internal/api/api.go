// Package api exposes the retrieval system over HTTP: configuration,
// session control, searching, queued downloads, and the in-memory log.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/bookdash/bookdash/internal/config"
	"github.com/bookdash/bookdash/internal/dcc"
	"github.com/bookdash/bookdash/internal/errors"
	"github.com/bookdash/bookdash/internal/logring"
	"github.com/bookdash/bookdash/internal/queue"
	"github.com/bookdash/bookdash/internal/repository"
	"github.com/bookdash/bookdash/internal/session"
)

const (
	defaultSearchWait  = 20 * time.Second
	defaultProbeWindow = 5 * time.Second
)

// Server wires the HTTP surface to the underlying components.
type Server struct {
	store   *config.Store
	ring    *logring.Buffer
	session *session.Persistent
	jobs    *queue.Queue
}

// New builds a server over its collaborators.
func New(store *config.Store, ring *logring.Buffer, sess *session.Persistent, jobs *queue.Queue) *Server {
	return &Server{
		store:   store,
		ring:    ring,
		session: sess,
		jobs:    jobs,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handleSetConfig)
	mux.HandleFunc("GET /log", s.handleGetLog)
	mux.HandleFunc("POST /log/clear", s.handleClearLog)
	mux.HandleFunc("GET /probe", s.handleProbe)
	mux.HandleFunc("POST /session/connect", s.handleConnect)
	mux.HandleFunc("POST /session/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /session/status", s.handleStatus)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /download", s.handleDownload)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Configuration travels as YAML, the same shape as the file on disk.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	b, err := yaml.Marshal(s.store.Current())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Write(b)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := yaml.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid configuration: " + err.Error()})
		return
	}

	if err := s.store.Update(cfg); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("configuration updated via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.ring.Lines()})
}

func (s *Server) handleClearLog(w http.ResponseWriter, r *http.Request) {
	s.ring.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleProbe answers whether a TCP endpoint accepts connections, the check
// run against a transfer peer before trusting its offer.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	port := r.URL.Query().Get("port")
	if host == "" || port == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "host and port query parameters are required"})
		return
	}

	addr := net.JoinHostPort(host, port)
	open := dcc.Probe(addr, defaultProbeWindow)

	writeJSON(w, http.StatusOK, map[string]any{"addr": addr, "open": open})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Connect(s.store.Snapshot()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.session.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	connected, lastErr := s.session.Status()
	writeJSON(w, http.StatusOK, map[string]any{"connected": connected, "last_error": lastErr})
}

type searchRequest struct {
	Query  string `json:"query"`
	Author string `json:"author,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	results, err := s.session.Search(req.Query, req.Author, defaultSearchWait)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type downloadRequest struct {
	ResultID     string `json:"result_id"`
	Bot          string `json:"bot,omitempty"`
	TargetFolder string `json:"target_folder,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.ResultID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "result_id is required"})
		return
	}

	id, err := s.jobs.Submit(req.ResultID, req.Bot, req.TargetFolder)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id.String()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}

	job, err := s.jobs.Poll(id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}

// writeError maps failure categories onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError

	switch errors.GetCategory(err) {
	case errors.CategoryPolicy:
		code = http.StatusForbidden
	case errors.CategoryProtocol:
		code = http.StatusBadGateway
	case errors.CategoryConnection, errors.CategoryTransfer:
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"error": err.Error()})
}
