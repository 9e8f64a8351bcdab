package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/otel"
)

const defaultTimeout = 60 * time.Second

// Server exposes a Governor over HTTP.
type Server struct {
	router      *chi.Mux
	gov         *governor.Governor
	apiKeys     map[string]string
	corsOrigins []string
	rateLimit   *RateLimiter
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimiter limits requests per operator on the authenticated routes.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.rateLimit = rl }
}

// NewServer builds a Server. apiKeys maps key → operator name; with no keys
// every authenticated route answers 401.
func NewServer(gov *governor.Governor, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		gov:       gov,
		apiKeys:   apiKeys,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the chi router with all middleware and routes. Pipeline
// runs and job triggers are registered without the default request timeout
// so their own 30-minute deadline applies.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.rateLimit))

		r.Post("/v1/runs", s.handleRun)
		r.Post("/v1/jobs/{id}/trigger", s.gov.Scheduler().TriggerHandler)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))

			r.Get("/v1/approvals", s.handleApprovalsList)
			r.Get("/v1/approvals/history", s.handleApprovalHistory)
			r.Get("/v1/approvals/{id}", s.handleApprovalGet)
			r.Post("/v1/approvals/{id}/approve", s.handleApprovalApprove)
			r.Post("/v1/approvals/{id}/reject", s.handleApprovalReject)

			r.Get("/v1/jobs", s.handleJobsList)
			r.Post("/v1/jobs", s.handleJobAdd)
			r.Get("/v1/jobs/{id}", s.handleJobGet)
			r.Delete("/v1/jobs/{id}", s.handleJobCancel)

			r.Get("/v1/policy", s.handlePolicyInfo)
			r.Post("/v1/policy/evaluate", s.handlePolicyEvaluate)

			r.Get("/v1/autonomy", s.handleAutonomyStatus)
			r.Post("/v1/autonomy/pause", s.handleAutonomyPause)
			r.Post("/v1/autonomy/resume", s.handleAutonomyResume)

			r.Get("/v1/anomalies", s.handleAnomaliesList)
			r.Get("/v1/recoveries", s.handleRecoveriesList)

			r.Get("/v1/outcomes", s.handleOutcomesList)
			r.Get("/v1/outcomes/{id}/verify", s.handleOutcomeVerify)

			r.Post("/v1/telemetry/samples", s.handleTelemetrySample)
			r.Post("/v1/telemetry/tool-outcomes", s.handleTelemetryToolOutcome)
		})
	})

	return r
}
