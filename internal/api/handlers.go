package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/dirsubmit/internal/coordinator"
	"github.com/foxzi/dirsubmit/internal/metrics"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
	"github.com/foxzi/dirsubmit/internal/targets"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	AccountID   string                 `json:"account_id"`
	Profile     submission.Profile     `json:"profile"`
	Entitlement submission.Entitlement `json:"entitlement"`
	Filters     submission.Filters     `json:"filters"`
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []*submission.CampaignRun `json:"campaigns"`
	Total     int                       `json:"total"`
}

// TargetListResponse is the response for GET /campaigns/{id}/targets
type TargetListResponse struct {
	Targets []*submission.Target `json:"targets"`
	Total   int                  `json:"total"`
}

// TargetResponse is the response for GET /targets/{id}
type TargetResponse struct {
	Target *submission.Target `json:"target"`
	Lock   *submission.Lock   `json:"lock,omitempty"`
}

// LineageResponse is the response for GET /targets/{id}/lineage
type LineageResponse struct {
	TargetID string            `json:"target_id"`
	Runs     []*submission.Run `json:"runs"`
}

// EventListResponse is the response for event listings
type EventListResponse struct {
	Events []*submission.Event `json:"events"`
	Total  int                 `json:"total"`
}

// ActionRequest is the optional body for campaign transitions and resolve
type ActionRequest struct {
	Actor string `json:"actor,omitempty"`
	Note  string `json:"note,omitempty"`
}

// ReviewRequest is the request body for POST /targets/{id}/review
type ReviewRequest struct {
	Status     string `json:"status"`
	Actor      string `json:"actor,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	ListingURL string `json:"listing_url,omitempty"`
	Note       string `json:"note,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version,omitempty"`
	Uptime  string               `json:"uptime"`
	Engine  *metrics.EngineStats `json:"engine,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	stats, err := s.engine.EngineStats(r.Context())
	if err != nil {
		s.logger.Error("failed to get engine stats", "error", err)
		resp.Status = "degraded"
		sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Engine = stats

	sendJSON(w, http.StatusOK, resp)
}

// handleCampaignList handles GET /api/v1/campaigns
func (s *Server) handleCampaignList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CampaignFilter{
		AccountID: q.Get("account_id"),
		Status:    submission.CampaignStatus(q.Get("status")),
		Limit:     100,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		sendError(w, http.StatusBadRequest, "unknown status")
		return
	}

	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = min(l, 1000)
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	campaigns, err := s.engine.Campaigns(r.Context(), filter)
	if err != nil {
		s.sendEngineError(w, err, "list campaigns")
		return
	}

	sendJSON(w, http.StatusOK, CampaignListResponse{Campaigns: campaigns, Total: len(campaigns)})
}

// handleCampaignCreate handles POST /api/v1/campaigns
func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	campaign, err := s.engine.CreateCampaign(r.Context(), coordinator.CreateRequest{
		AccountID:   req.AccountID,
		Profile:     req.Profile,
		Entitlement: req.Entitlement,
		Filters:     req.Filters,
		Actor:       submission.ActorUser,
	})
	if errors.Is(err, targets.ErrInsufficientInventory) && campaign != nil {
		// The failed campaign is still reported so callers can see why
		sendJSON(w, http.StatusUnprocessableEntity, campaign)
		return
	}
	if err != nil {
		s.sendEngineError(w, err, "create campaign")
		return
	}

	s.logger.Info("campaign created via status server",
		"campaign_id", campaign.ID,
		"account_id", campaign.AccountID,
		"targets", campaign.Counters.Total,
	)
	sendJSON(w, http.StatusCreated, campaign)
}

// handleCampaignGet handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.engine.Campaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "get campaign")
		return
	}
	sendJSON(w, http.StatusOK, campaign)
}

// handleCampaignSummary handles GET /api/v1/campaigns/{id}/summary
func (s *Server) handleCampaignSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "get summary")
		return
	}
	sendJSON(w, http.StatusOK, summary)
}

// handleCampaignTargets handles GET /api/v1/campaigns/{id}/targets
func (s *Server) handleCampaignTargets(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Targets(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "list targets")
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := list[:0]
		for _, t := range list {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		list = filtered
	}

	sendJSON(w, http.StatusOK, TargetListResponse{Targets: list, Total: len(list)})
}

// handleCampaignEvents handles GET /api/v1/campaigns/{id}/events
func (s *Server) handleCampaignEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.CampaignEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "list events")
		return
	}
	sendJSON(w, http.StatusOK, EventListResponse{Events: events, Total: len(events)})
}

// handleCampaignPause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, "pause", s.engine.Pause)
}

// handleCampaignResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, "resume", s.engine.Resume)
}

// handleCampaignCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCampaignCancel(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, "cancel", s.engine.Cancel)
}

type transitionFunc func(ctx context.Context, campaignID string, actor submission.Actor) (*submission.CampaignRun, error)

func (s *Server) campaignTransition(w http.ResponseWriter, r *http.Request, op string, fn transitionFunc) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	actor, ok := parseActor(w, req.Actor)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	campaign, err := fn(r.Context(), id, actor)
	if err != nil {
		s.sendEngineError(w, err, op+" campaign")
		return
	}

	s.logger.Info("campaign "+op+" via status server", "campaign_id", id, "actor", actor)
	sendJSON(w, http.StatusOK, campaign)
}

// handleTargetGet handles GET /api/v1/targets/{id}
func (s *Server) handleTargetGet(w http.ResponseWriter, r *http.Request) {
	target, held, err := s.engine.Target(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "get target")
		return
	}
	sendJSON(w, http.StatusOK, TargetResponse{Target: target, Lock: held})
}

// handleTargetLineage handles GET /api/v1/targets/{id}/lineage
func (s *Server) handleTargetLineage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runs, err := s.engine.Lineage(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, err, "get lineage")
		return
	}
	sendJSON(w, http.StatusOK, LineageResponse{TargetID: id, Runs: runs})
}

// handleTargetEvents handles GET /api/v1/targets/{id}/events
func (s *Server) handleTargetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "list events")
		return
	}
	sendJSON(w, http.StatusOK, EventListResponse{Events: events, Total: len(events)})
}

// handleTargetResolve handles POST /api/v1/targets/{id}/resolve
func (s *Server) handleTargetResolve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	actor, ok := parseActor(w, req.Actor)
	if !ok {
		return
	}

	target, err := s.engine.ResolveAction(r.Context(), chi.URLParam(r, "id"), actor, req.Note)
	if err != nil {
		s.sendEngineError(w, err, "resolve action")
		return
	}
	sendJSON(w, http.StatusOK, target)
}

// handleTargetReview handles POST /api/v1/targets/{id}/review
func (s *Server) handleTargetReview(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status == "" {
		sendError(w, http.StatusBadRequest, "status is required")
		return
	}

	actor := submission.ActorWebhook
	if req.Actor != "" {
		actor = submission.Actor(req.Actor)
		if !actor.Valid() {
			sendError(w, http.StatusBadRequest, "unknown actor")
			return
		}
	}

	target, err := s.engine.RecordReview(r.Context(), chi.URLParam(r, "id"), coordinator.Review{
		Status:     submission.RunStatus(req.Status),
		Actor:      actor,
		ExternalID: req.ExternalID,
		ListingURL: req.ListingURL,
		Note:       req.Note,
	})
	if err != nil {
		s.sendEngineError(w, err, "record review")
		return
	}
	sendJSON(w, http.StatusOK, target)
}

// handleLedgerVerify handles GET /api/v1/ledger/verify
func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.VerifyLedger(r.Context())
	if err != nil {
		s.sendEngineError(w, err, "verify ledger")
		return
	}

	status := http.StatusOK
	if !result.OK() {
		s.logger.Error("ledger chain broken", "broken_at", result.BrokenAt, "reason", result.Reason)
		status = http.StatusConflict
	}
	sendJSON(w, status, result)
}

// decodeAction reads an optional ActionRequest body
func decodeAction(w http.ResponseWriter, r *http.Request) (ActionRequest, bool) {
	var req ActionRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	return req, true
}

// parseActor defaults to admin, the status server's usual caller
func parseActor(w http.ResponseWriter, raw string) (submission.Actor, bool) {
	if raw == "" {
		return submission.ActorAdmin, true
	}
	actor := submission.Actor(raw)
	if !actor.Valid() || actor == submission.ActorWorker || actor == submission.ActorScheduler {
		sendError(w, http.StatusBadRequest, "actor must be user, admin or webhook")
		return "", false
	}
	return actor, true
}

// sendEngineError maps engine sentinel errors to HTTP statuses
func (s *Server) sendEngineError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrInvalidRequest):
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrInvalidTransition), errors.Is(err, store.ErrActiveCampaignExists):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, targets.ErrInsufficientInventory):
		sendError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("failed to "+op, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}

// Helper functions

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
