package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/dirsubmit/internal/config"
	"github.com/foxzi/dirsubmit/internal/connector/sandbox"
	"github.com/foxzi/dirsubmit/internal/coordinator"
	"github.com/foxzi/dirsubmit/internal/directory"
	"github.com/foxzi/dirsubmit/internal/ledger"
	"github.com/foxzi/dirsubmit/internal/metrics"
	"github.com/foxzi/dirsubmit/internal/ratelimit"
	"github.com/foxzi/dirsubmit/internal/store"
	"github.com/foxzi/dirsubmit/internal/submission"
)

// Engine is the part of the coordinator the status server exposes
type Engine interface {
	CreateCampaign(ctx context.Context, req coordinator.CreateRequest) (*submission.CampaignRun, error)
	Campaign(ctx context.Context, campaignID string) (*submission.CampaignRun, error)
	Campaigns(ctx context.Context, filter store.CampaignFilter) ([]*submission.CampaignRun, error)
	Summary(ctx context.Context, campaignID string) (*coordinator.Summary, error)
	Targets(ctx context.Context, campaignID string) ([]*submission.Target, error)
	CampaignEvents(ctx context.Context, campaignID string) ([]*submission.Event, error)
	Pause(ctx context.Context, campaignID string, actor submission.Actor) (*submission.CampaignRun, error)
	Resume(ctx context.Context, campaignID string, actor submission.Actor) (*submission.CampaignRun, error)
	Cancel(ctx context.Context, campaignID string, actor submission.Actor) (*submission.CampaignRun, error)

	Target(ctx context.Context, targetID string) (*submission.Target, *submission.Lock, error)
	Lineage(ctx context.Context, targetID string) ([]*submission.Run, error)
	Events(ctx context.Context, targetID string) ([]*submission.Event, error)
	ResolveAction(ctx context.Context, targetID string, actor submission.Actor, note string) (*submission.Target, error)
	RecordReview(ctx context.Context, targetID string, review coordinator.Review) (*submission.Target, error)

	VerifyLedger(ctx context.Context) (*ledger.VerifyResult, error)
	EngineStats(ctx context.Context) (*metrics.EngineStats, error)
}

// Server is the ops status server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	engine     Engine
	config     *config.StatusConfig
	allow      *metrics.AllowList
	logger     *slog.Logger
	startTime  time.Time
	version    string
}

// ServerOptions contains options for creating a status server
type ServerOptions struct {
	Engine         Engine
	Config         *config.StatusConfig
	Logger         *slog.Logger
	Version        string
	Directories    *directory.Registry
	RateLimiter    *ratelimit.Limiter
	SandboxStorage *sandbox.Storage
}

// NewServer creates a status server with only the engine routes
func NewServer(engine Engine, cfg *config.StatusConfig, logger *slog.Logger) *Server {
	return NewServerWithOptions(ServerOptions{
		Engine: engine,
		Config: cfg,
		Logger: logger,
	})
}

// NewServerWithOptions creates a status server with the catalog and sandbox
// routes when their dependencies are given
func NewServerWithOptions(opts ServerOptions) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    opts.Engine,
		config:    opts.Config,
		allow:     metrics.NewAllowList(opts.Config.AllowedIPs, opts.Logger),
		logger:    opts.Logger,
		startTime: time.Now(),
		version:   opts.Version,
	}

	s.setupRoutes()

	if opts.Directories != nil {
		directories := NewDirectoryServer(opts.Directories, opts.RateLimiter)
		s.router.Route("/api/v1/directories", directories.RegisterRoutes)
	}
	if opts.SandboxStorage != nil {
		sb := NewSandboxServer(opts.SandboxStorage)
		s.router.Route("/api/v1/sandbox", sb.RegisterRoutes)
	}

	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no allow-list)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.allow.Middleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleCampaignList)
			r.Post("/", s.handleCampaignCreate)
			r.Get("/{id}", s.handleCampaignGet)
			r.Get("/{id}/summary", s.handleCampaignSummary)
			r.Get("/{id}/targets", s.handleCampaignTargets)
			r.Get("/{id}/events", s.handleCampaignEvents)
			r.Post("/{id}/pause", s.handleCampaignPause)
			r.Post("/{id}/resume", s.handleCampaignResume)
			r.Post("/{id}/cancel", s.handleCampaignCancel)
		})

		r.Route("/targets", func(r chi.Router) {
			r.Get("/{id}", s.handleTargetGet)
			r.Get("/{id}/lineage", s.handleTargetLineage)
			r.Get("/{id}/events", s.handleTargetEvents)
			r.Post("/{id}/resolve", s.handleTargetResolve)
			r.Post("/{id}/review", s.handleTargetReview)
		})

		r.Get("/ledger/verify", s.handleLedgerVerify)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting status server", "addr", s.config.ListenAddr, "allowed_ips", s.allow.Len())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
