package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/auth"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/kbagent"
	"github.com/ashita-ai/sapphire/internal/service/onboarding"
	"github.com/ashita-ai/sapphire/internal/service/ops"
	"github.com/ashita-ai/sapphire/internal/service/resolution"
	"github.com/ashita-ai/sapphire/internal/service/tenants"
	"github.com/ashita-ai/sapphire/internal/service/training"
	"github.com/ashita-ai/sapphire/internal/storage"
)

// Accounts is the service-account persistence behind token exchange and health.
type Accounts interface {
	GetServiceAccountByName(ctx context.Context, name string) (model.ServiceAccount, error)
	UpsertServiceAccount(ctx context.Context, name string, role model.AccountRole, apiKeyHash string) (model.ServiceAccount, error)
	CountServiceAccounts(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// Resolver runs intake, escalation, and case conversation.
type Resolver interface {
	Resolve(ctx context.Context, req resolution.Request) (resolution.Response, error)
	IntakeEmail(ctx context.Context, in resolution.EmailIntake) (resolution.EmailIntakeResult, error)
	Feedback(ctx context.Context, logID uuid.UUID, helpful bool, feedback string) (model.SupportAILog, error)
	Escalate(ctx context.Context, caseID uuid.UUID, reason string, auto bool) (resolution.EscalateResult, error)
	AddMessage(ctx context.Context, caseID uuid.UUID, in resolution.MessageInput) (model.Case, error)
	Summarize(ctx context.Context, caseID uuid.UUID) (resolution.SummaryResult, error)
	DraftReply(ctx context.Context, caseID uuid.UUID) (resolution.DraftReplyResult, error)
	Reclassify(ctx context.Context, intakeEventID uuid.UUID) (resolution.ReclassifyResult, error)
}

// Tenants registers tenants and serves their overview.
type Tenants interface {
	Register(ctx context.Context, r tenants.Registration, actor string) (model.Tenant, error)
	Overview(ctx context.Context, tenantID uuid.UUID, eventType string, auditLimit int) (tenants.Overview, error)
}

// Onboarding drives the tenant onboarding lifecycle.
type Onboarding interface {
	Start(ctx context.Context, in onboarding.StartInput) (onboarding.StartResult, error)
	AdvanceStep(ctx context.Context, tenantID uuid.UUID, stepKey string, metadata map[string]any) (onboarding.AdvanceResult, error)
	Pause(ctx context.Context, tenantID uuid.UUID, reason string) (model.OnboardingSession, error)
	Resume(ctx context.Context, tenantID uuid.UUID) (model.OnboardingSession, error)
	Complete(ctx context.Context, tenantID uuid.UUID) (model.OnboardingSession, error)
	Fail(ctx context.Context, tenantID uuid.UUID, reason string) (model.OnboardingSession, error)
	UpgradeTier(ctx context.Context, tenantID uuid.UUID, newTier model.PlanTier, trigger model.TriggerSource) (onboarding.TierChangeResult, error)
	Status(ctx context.Context, tenantID uuid.UUID) (onboarding.StatusView, error)
}

// Reviewer serves the KB review queue.
type Reviewer interface {
	Queue(ctx context.Context, limit int) ([]model.ReviewQueueItem, error)
	Approve(ctx context.Context, scoreID uuid.UUID, reviewer string) (model.KBQualityScore, error)
	Reject(ctx context.Context, scoreID uuid.UUID, reviewer, reason string, disable bool) (model.KBQualityScore, error)
}

// Training exports the fine-tuning dataset.
type Training interface {
	Export(ctx context.Context, c training.Criteria, format model.ExportFormat) (training.Export, error)
	MarkUsed(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Ops serves the operations console.
type Ops interface {
	IntakeMetrics(ctx context.Context, w ops.TimeWindow) (ops.IntakeMetrics, error)
	ListCases(ctx context.Context, f storage.CaseFilter) (ops.CasePage, error)
	Alerts(ctx context.Context) ([]ops.Alert, error)
	UpdateCase(ctx context.Context, caseID uuid.UUID, p ops.CasePatch, actor string) (ops.CaseUpdate, error)
	CaseDetail(ctx context.Context, caseID uuid.UUID) (ops.CaseDetail, error)
	AILog(ctx context.Context, logID uuid.UUID) (model.SupportAILog, error)
}

// HealthChecker reports whether an optional backing service is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// QueueGauge exposes a bounded queue's fill level.
type QueueGauge interface {
	Len() int
	Capacity() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	accounts            Accounts
	jwtMgr              *auth.JWTManager
	resolver            Resolver
	tenants             Tenants
	onboarding          Onboarding
	reviewer            Reviewer
	training            Training
	ops                 Ops
	broker              *Broker
	qdrant              HealthChecker
	redis               HealthChecker
	kbQueue             QueueGauge
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Qdrant, Redis, KBQueue.
type HandlersDeps struct {
	Accounts            Accounts
	JWTMgr              *auth.JWTManager
	Resolver            Resolver
	Tenants             Tenants
	Onboarding          Onboarding
	Reviewer            Reviewer
	Training            Training
	Ops                 Ops
	Broker              *Broker
	Qdrant              HealthChecker
	Redis               HealthChecker
	KBQueue             QueueGauge
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		accounts:            d.Accounts,
		jwtMgr:              d.JWTMgr,
		resolver:            d.Resolver,
		tenants:             d.Tenants,
		onboarding:          d.Onboarding,
		reviewer:            d.Reviewer,
		training:            d.Training,
		ops:                 d.Ops,
		broker:              d.Broker,
		qdrant:              d.Qdrant,
		redis:               d.Redis,
		kbQueue:             d.KBQueue,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and api_key are required")
		return
	}

	account, err := h.accounts.GetServiceAccountByName(r.Context(), req.Name)
	if err != nil || account.APIKeyHash == nil {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("auth: lookup service account", "name", req.Name, "error", err)
		}
		// Equalize timing with the found-account path.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, *account.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(account)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "account", account.Name, "role", account.Role,
		"request_id", RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.accounts.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// KB agent queue: >50% capacity = high, >75% capacity = critical.
	depth := 0
	queueStatus := "ok"
	if h.kbQueue != nil {
		depth = h.kbQueue.Len()
		capacity := h.kbQueue.Capacity()
		if depth > capacity*3/4 {
			queueStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if depth > capacity/2 {
			queueStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Postgres:      pgStatus,
		KBQueueDepth:  depth,
		KBQueueStatus: queueStatus,
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	}
	if h.qdrant != nil {
		resp.Qdrant = connectivity(h.qdrant.Healthy(r.Context()))
	}
	if h.redis != nil {
		resp.Redis = connectivity(h.redis.Healthy(r.Context()))
	}

	writeJSON(w, r, httpStatus, resp)
}

func connectivity(err error) string {
	if err != nil {
		return "disconnected"
	}
	return "connected"
}

// SeedAdmin upserts the bootstrap admin service account. An empty key is
// allowed only when some account already exists.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		total, err := h.accounts.CountServiceAccounts(ctx)
		if err != nil {
			return fmt.Errorf("seed admin: count service accounts: %w", err)
		}
		if total == 0 {
			return fmt.Errorf("seed admin: ADMIN_API_KEY is empty and no service accounts exist; set it to bootstrap admin access")
		}
		h.logger.Info("no admin API key configured, skipping admin seed", "existing_accounts", total)
		return nil
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	if _, err := h.accounts.UpsertServiceAccount(ctx, "admin", model.RoleAdmin, hash); err != nil {
		return fmt.Errorf("seed admin: upsert account: %w", err)
	}
	h.logger.Info("seeded admin service account")
	return nil
}

// --- Shared helpers ---

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeServiceError maps a service error to its HTTP status.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, onboarding.ErrNoSession),
		errors.Is(err, onboarding.ErrStepNotFound),
		errors.Is(err, onboarding.ErrTenantNotFound),
		errors.Is(err, kbagent.ErrScoreNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidEnum),
		errors.Is(err, resolution.ErrInvalidRequest),
		errors.Is(err, training.ErrInvalidCriteria),
		errors.Is(err, ops.ErrInvalidInput),
		errors.Is(err, tenants.ErrInvalidTenant),
		errors.Is(err, onboarding.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, resolution.ErrInvalidTransition),
		errors.Is(err, onboarding.ErrInvalidTransition),
		errors.Is(err, onboarding.ErrNotActive),
		errors.Is(err, onboarding.ErrNotPaused),
		errors.Is(err, ops.ErrInvalidTransition),
		errors.Is(err, storage.ErrNoChange),
		errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, resolution.ErrNotEntitled):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// pathUUID parses a UUID path segment.
func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.PathValue(key)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return id, nil
}

// queryInt returns defaultVal when key is absent and an error when it is malformed.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be an integer", key)
	}
	return n, nil
}

func queryFloat(r *http.Request, key string, defaultVal float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be a number", key)
	}
	return f, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return t, nil
}

// actorName is the authenticated account name, used as the audit actor.
func actorName(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return claims.Name
	}
	return "anonymous"
}
