package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/ratelimit"
)

// DirectoryServer exposes the directory catalog and its rate limit usage
type DirectoryServer struct {
	directories *directory.Registry
	limiter     *ratelimit.Limiter
}

// NewDirectoryServer creates a catalog server. A nil limiter omits usage.
func NewDirectoryServer(dirs *directory.Registry, limiter *ratelimit.Limiter) *DirectoryServer {
	return &DirectoryServer{
		directories: dirs,
		limiter:     limiter,
	}
}

// RegisterRoutes registers catalog routes
func (d *DirectoryServer) RegisterRoutes(r chi.Router) {
	r.Get("/", d.handleList)
	r.Get("/{id}", d.handleGet)
	r.Get("/{id}/ratelimit", d.handleRateLimit)
}

// DirectoryListResponse is the response for GET /api/v1/directories
type DirectoryListResponse struct {
	Directories []*directory.Directory `json:"directories"`
	Total       int                    `json:"total"`
}

// handleList handles GET /api/v1/directories
func (d *DirectoryServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := directory.Filter{
		Region: q.Get("region"),
	}
	if pricing := q["pricing_model"]; len(pricing) > 0 {
		filter.PricingModels = pricing
	}
	if caps := q["capability"]; len(caps) > 0 {
		filter.RequiredCapabilities = caps
	}

	// all=true includes inactive directories
	var list []*directory.Directory
	if q.Get("all") == "true" {
		list = d.directories.List()
	} else {
		list = d.directories.Select(filter)
	}

	sendJSON(w, http.StatusOK, DirectoryListResponse{Directories: list, Total: len(list)})
}

// handleGet handles GET /api/v1/directories/{id}
func (d *DirectoryServer) handleGet(w http.ResponseWriter, r *http.Request) {
	dir := d.directories.Get(chi.URLParam(r, "id"))
	if dir == nil {
		sendError(w, http.StatusNotFound, "Directory not found")
		return
	}
	sendJSON(w, http.StatusOK, dir)
}

// RateLimitStatsResponse is the response for GET /api/v1/directories/{id}/ratelimit
type RateLimitStatsResponse struct {
	DirectoryID string    `json:"directory_id"`
	MinuteCount int       `json:"minute_count"`
	DailyCount  int       `json:"daily_count"`
	DayStart    time.Time `json:"day_start,omitempty"`
	MinuteLimit int       `json:"minute_limit"`
	DailyLimit  int       `json:"daily_limit"`
}

// handleRateLimit handles GET /api/v1/directories/{id}/ratelimit
func (d *DirectoryServer) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if d.directories.Get(id) == nil {
		sendError(w, http.StatusNotFound, "Directory not found")
		return
	}
	if d.limiter == nil {
		sendError(w, http.StatusServiceUnavailable, "Rate limiting is not enabled")
		return
	}

	stats, err := d.limiter.GetStats(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get rate limit stats")
		return
	}

	response := RateLimitStatsResponse{
		DirectoryID: id,
		MinuteCount: stats.MinuteCount,
		DailyCount:  stats.DailyCount,
		DayStart:    stats.DayStart,
	}
	if stats.Limit != nil {
		response.MinuteLimit = stats.Limit.PerMinute
		response.DailyLimit = stats.Limit.PerDay
	}

	sendJSON(w, http.StatusOK, response)
}
