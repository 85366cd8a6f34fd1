package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/sapphire/internal/auth"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/ratelimit"
)

// Server is the Sapphire HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): IntakeLimiter, AuthLimiter, Broker, Qdrant,
// Redis, KBQueue, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Accounts   Accounts
	JWTMgr     *auth.JWTManager
	Resolver   Resolver
	Tenants    Tenants
	Onboarding Onboarding
	Reviewer   Reviewer
	Training   Training
	Ops        Ops
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	IntakeLimiter ratelimit.Limiter
	AuthLimiter   ratelimit.Limiter
	Broker        *Broker
	Qdrant        HealthChecker
	Redis         HealthChecker
	KBQueue       QueueGauge
	MCPServer     *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Accounts:            cfg.Accounts,
		JWTMgr:              cfg.JWTMgr,
		Resolver:            cfg.Resolver,
		Tenants:             cfg.Tenants,
		Onboarding:          cfg.Onboarding,
		Reviewer:            cfg.Reviewer,
		Training:            cfg.Training,
		Ops:                 cfg.Ops,
		Broker:              cfg.Broker,
		Qdrant:              cfg.Qdrant,
		Redis:               cfg.Redis,
		KBQueue:             cfg.KBQueue,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	intakeRL := ratelimit.Middleware(cfg.IntakeLimiter, accountKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Intake (portal, agent and admin callers, rate limited per account).
	intakeRole := requireRole(model.RolePortal, model.RoleAgent, model.RoleAdmin)
	mux.Handle("POST /v1/intake", intakeRL(intakeRole(http.HandlerFunc(h.HandleIntake))))
	mux.Handle("POST /v1/intake/email", intakeRL(intakeRole(http.HandlerFunc(h.HandleEmailIntake))))

	// Customer-facing case actions (portal+).
	portalRole := requireAtLeast(model.RolePortal)
	mux.Handle("POST /v1/ai-logs/{id}/feedback", portalRole(http.HandlerFunc(h.HandleFeedback)))
	mux.Handle("POST /v1/cases/{id}/escalate", portalRole(http.HandlerFunc(h.HandleEscalate)))
	mux.Handle("POST /v1/cases/{id}/messages", portalRole(http.HandlerFunc(h.HandleCaseMessage)))

	// Agent actions (agent+).
	agentRole := requireAtLeast(model.RoleAgent)
	mux.Handle("POST /v1/cases/{id}/auto-escalate", agentRole(http.HandlerFunc(h.HandleAutoEscalate)))
	mux.Handle("POST /v1/cases/{id}/ai/summary", agentRole(http.HandlerFunc(h.HandleCaseSummary)))
	mux.Handle("POST /v1/cases/{id}/ai/draft-reply", agentRole(http.HandlerFunc(h.HandleCaseDraftReply)))
	mux.Handle("POST /v1/intake/{id}/classify", agentRole(http.HandlerFunc(h.HandleIntakeClassify)))
	mux.Handle("GET /v1/kb/review-queue", agentRole(http.HandlerFunc(h.HandleReviewQueue)))
	mux.Handle("POST /v1/kb/review/{id}/approve", agentRole(http.HandlerFunc(h.HandleReviewApprove)))
	mux.Handle("POST /v1/kb/review/{id}/reject", agentRole(http.HandlerFunc(h.HandleReviewReject)))

	// Onboarding lifecycle (admin and ops).
	onboardingRole := requireRole(model.RoleAdmin, model.RoleOps)
	mux.Handle("POST /v1/onboarding/start", onboardingRole(http.HandlerFunc(h.HandleOnboardingStart)))
	mux.Handle("POST /v1/onboarding/advance-step", onboardingRole(http.HandlerFunc(h.HandleOnboardingAdvance)))
	mux.Handle("POST /v1/onboarding/pause", onboardingRole(http.HandlerFunc(h.HandleOnboardingPause)))
	mux.Handle("POST /v1/onboarding/resume", onboardingRole(http.HandlerFunc(h.HandleOnboardingResume)))
	mux.Handle("POST /v1/onboarding/complete", onboardingRole(http.HandlerFunc(h.HandleOnboardingComplete)))
	mux.Handle("POST /v1/onboarding/fail", onboardingRole(http.HandlerFunc(h.HandleOnboardingFail)))
	mux.Handle("POST /v1/onboarding/upgrade", onboardingRole(http.HandlerFunc(h.HandleOnboardingUpgrade)))
	mux.Handle("GET /v1/onboarding/{tenant_id}", onboardingRole(http.HandlerFunc(h.HandleOnboardingStatus)))
	mux.Handle("GET /v1/tenants/{id}", onboardingRole(http.HandlerFunc(h.HandleTenantOverview)))

	// Training dataset and tenant registration (admin only).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("GET /v1/training-dataset", adminOnly(http.HandlerFunc(h.HandleTrainingDataset)))
	mux.Handle("POST /v1/training-dataset/mark-used", adminOnly(http.HandlerFunc(h.HandleMarkUsed)))
	mux.Handle("POST /v1/tenants", adminOnly(http.HandlerFunc(h.HandleTenantRegister)))

	// Ops console (ops+).
	opsRole := requireAtLeast(model.RoleOps)
	mux.Handle("GET /v1/ops/metrics/intake", opsRole(http.HandlerFunc(h.HandleIntakeMetrics)))
	mux.Handle("GET /v1/ops/cases", opsRole(http.HandlerFunc(h.HandleOpsCases)))
	mux.Handle("GET /v1/ops/cases/{id}", opsRole(http.HandlerFunc(h.HandleOpsCaseDetail)))
	mux.Handle("PATCH /v1/ops/cases/{id}", opsRole(http.HandlerFunc(h.HandleOpsCaseUpdate)))
	mux.Handle("GET /v1/ops/ai-logs/{id}", opsRole(http.HandlerFunc(h.HandleOpsAILog)))
	mux.Handle("GET /v1/ops/alerts", opsRole(http.HandlerFunc(h.HandleOpsAlerts)))

	// Event stream (ops+, long-lived connection).
	mux.Handle("GET /v1/ops/events", opsRole(http.HandlerFunc(h.HandleOpsEvents)))

	// MCP StreamableHTTP transport (agent+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", agentRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// accountKeyFunc keys intake rate limits on the calling account. Admins are exempt.
func accountKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.Name
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
