package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/dirsubmit/internal/connector"
	"github.com/foxzi/dirsubmit/internal/connector/sandbox"
)

// SandboxServer handles sandbox capture endpoints
type SandboxServer struct {
	storage *sandbox.Storage
}

// NewSandboxServer creates a new sandbox server
func NewSandboxServer(storage *sandbox.Storage) *SandboxServer {
	return &SandboxServer{storage: storage}
}

// RegisterRoutes registers sandbox API routes
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Get("/captures", s.handleList)
	r.Get("/captures/target/{target}", s.handleGetByTarget)
	r.Delete("/captures", s.handleClear)
	r.Get("/stats", s.handleStats)
}

// SandboxListResponse is the response for GET /api/v1/sandbox/captures
type SandboxListResponse struct {
	Captures []*sandbox.Capture `json:"captures"`
	Total    int                `json:"total"`
}

// handleList handles GET /api/v1/sandbox/captures
func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := sandbox.ListFilter{
		DirectoryID: r.URL.Query().Get("directory"),
		CampaignID:  r.URL.Query().Get("campaign"),
		Limit:       100, // Default limit
	}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
			if filter.Limit > 1000 {
				filter.Limit = 1000 // Prevent DoS via excessive limit
			}
		}
	}

	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	captures, err := s.storage.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list captures")
		return
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{Captures: captures, Total: len(captures)})
}

// handleGetByTarget handles GET /api/v1/sandbox/captures/target/{target}.
// It returns the accepted capture for the target's idempotency key.
func (s *SandboxServer) handleGetByTarget(w http.ResponseWriter, r *http.Request) {
	key := connector.IdempotencyKey(chi.URLParam(r, "target"))

	capture, err := s.storage.ByIdempotencyKey(r.Context(), key)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get capture")
		return
	}
	if capture == nil {
		sendError(w, http.StatusNotFound, "Capture not found")
		return
	}

	sendJSON(w, http.StatusOK, capture)
}

// handleClear handles DELETE /api/v1/sandbox/captures
func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, "Invalid older_than duration")
			return
		}
		olderThan = d
	}

	count, err := s.storage.Clear(r.Context(), olderThan)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to clear captures")
		return
	}

	sendJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// handleStats handles GET /api/v1/sandbox/stats
func (s *SandboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get sandbox stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}
