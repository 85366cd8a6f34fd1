package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/auth"
	"github.com/ashita-ai/sapphire/internal/config"
	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/kb"
	"github.com/ashita-ai/sapphire/internal/mcp"
	"github.com/ashita-ai/sapphire/internal/ratelimit"
	"github.com/ashita-ai/sapphire/internal/search"
	"github.com/ashita-ai/sapphire/internal/server"
	"github.com/ashita-ai/sapphire/internal/service/embedding"
	"github.com/ashita-ai/sapphire/internal/service/kbagent"
	"github.com/ashita-ai/sapphire/internal/service/onboarding"
	"github.com/ashita-ai/sapphire/internal/service/ops"
	"github.com/ashita-ai/sapphire/internal/service/resolution"
	"github.com/ashita-ai/sapphire/internal/service/sla"
	"github.com/ashita-ai/sapphire/internal/service/tenants"
	"github.com/ashita-ai/sapphire/internal/service/training"
	"github.com/ashita-ai/sapphire/internal/storage"
	"github.com/ashita-ai/sapphire/internal/telemetry"
	"github.com/ashita-ai/sapphire/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	// authRateLimit caps token exchanges per client IP per minute.
	authRateLimit  = 20
	authRateWindow = time.Minute

	phaseTimeout = 10 * time.Second
)

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("SAPPHIRE_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("sapphire starting", "version", version, "port", cfg.Port)

	// Deferred closes run in reverse: Kafka, Redis, Qdrant, telemetry, then the DB.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), phaseTimeout)
		defer flushCancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry flush failed", "error", err)
		}
	}()

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Qdrant semantic recall and its outbox worker (optional).
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outboxWorker.Start(ctx)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Redis backs the KB search cache and the shared auth rate limit (optional).
	var redisClient *redis.Client
	var kbCache kb.Cache
	var redisCache *kb.RedisCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
		redisCache = kb.NewRedisCache(redisClient, "sapphire:kb:")
		kbCache = redisCache
		logger.Info("redis: enabled", "kb_cache_ttl", cfg.KBCacheTTL)
	} else {
		logger.Info("redis: disabled (no REDIS_URL)")
	}

	// Domain events fan out to the SSE broker and, when configured, Kafka.
	broker := server.NewBroker(logger)
	publishers := events.Multi{broker}
	var kafka *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafka = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer func() {
			if err := kafka.Close(); err != nil {
				slog.Warn("kafka close failed", "error", err)
			}
		}()
		publishers = append(publishers, kafka)
		logger.Info("kafka: enabled", "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka: disabled (no KAFKA_BROKERS)")
	}
	var publisher events.Publisher = publishers

	classifier, gen, modelName := newAI(cfg, logger)

	var outline *kb.Client
	var kbSearcher kb.Searcher
	if cfg.OutlineURL != "" {
		outline = kb.New(kb.Config{
			BaseURL:  cfg.OutlineURL,
			APIKey:   cfg.OutlineAPIKey,
			Timeout:  cfg.OutlineTimeout,
			CacheTTL: cfg.KBCacheTTL,
		}, kbCache, logger)
		kbSearcher = outline
		logger.Info("outline: enabled")
	} else {
		logger.Info("outline: disabled (no OUTLINE_API_URL), KB agent off")
	}

	slaEngine := sla.New(db, publisher, logger)
	sweeper, err := sla.NewSweeper(slaEngine, cfg.SLASweepSchedule, logger)
	if err != nil {
		return fmt.Errorf("sla: %w", err)
	}
	sweeper.Start(ctx)

	// The KB agent needs Outline to write drafts.
	var kbWorker *kbagent.Worker
	if outline != nil {
		agentOpts := []kbagent.Option{kbagent.WithCollection(cfg.OutlineCollection)}
		if qdrantIndex != nil {
			agentOpts = append(agentOpts, kbagent.WithSemanticRecall(embedder, qdrantIndex))
		}
		agent := kbagent.New(db, outline, gen, kbagent.NewEvaluator(gen, logger), logger, agentOpts...)
		kbWorker = kbagent.NewWorker(agent, db, cfg.KBAgentWorkers, cfg.KBAgentQueueSize, logger)
		kbWorker.Start(ctx)
	}

	checklist, err := onboarding.LoadChecklist(cfg.OnboardingStepsFile)
	if err != nil {
		return fmt.Errorf("onboarding checklist: %w", err)
	}

	resolveOpts := []resolution.Option{
		resolution.WithModelName(modelName),
		resolution.WithCRM(events.NewCRMBridge(publisher, cfg.CRMWebhookURL)),
	}
	if kbWorker != nil {
		resolveOpts = append(resolveOpts, resolution.WithKBAgent(kbWorker))
	}
	tenantSvc := tenants.New(db, logger)
	engine := resolution.New(db, tenantSvc, classifier, gen, kbSearcher, slaEngine, publisher, logger, resolveOpts...)
	onboardingSvc := onboarding.New(db, slaEngine, publisher, checklist, logger)
	reviewer := kbagent.NewReviewer(db, publisher, logger)

	mcpSrv := mcp.New(mcp.Deps{
		Resolver:   engine,
		Searcher:   kbSearcher,
		Onboarding: onboardingSvc,
		Reviewer:   reviewer,
		Logger:     logger,
		Version:    version,
	})

	var intakeLimiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.IntakeRateLimit > 0 {
		intakeLimiter = ratelimit.NewMemoryLimiter(cfg.IntakeRateLimit, cfg.IntakeRateBurst)
	} else {
		logger.Warn("intake rate limiting disabled")
	}
	defer func() { _ = intakeLimiter.Close() }()

	srvCfg := server.ServerConfig{
		Accounts:            db,
		JWTMgr:              jwtMgr,
		Resolver:            engine,
		Tenants:             tenantSvc,
		Onboarding:          onboardingSvc,
		Reviewer:            reviewer,
		Training:            training.New(db, logger),
		Ops:                 ops.New(db, logger),
		Logger:              logger,
		IntakeLimiter:       intakeLimiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	// Optional collaborators are only set when present so the interfaces stay nil.
	if qdrantIndex != nil {
		srvCfg.Qdrant = qdrantIndex
	}
	if redisCache != nil {
		srvCfg.Redis = redisCache
		srvCfg.AuthLimiter = ratelimit.NewRedisLimiter(redisClient, "sapphire:ratelimit:auth", authRateLimit, authRateWindow)
		logger.Info("auth rate limiting: redis (shared sliding window)")
	} else {
		authLimiter := ratelimit.NewMemoryLimiter(float64(authRateLimit)/authRateWindow.Seconds(), authRateLimit)
		defer func() { _ = authLimiter.Close() }()
		srvCfg.AuthLimiter = authLimiter
		logger.Info("auth rate limiting: memory (in-process token bucket)")
	}
	if kbWorker != nil {
		srvCfg.KBQueue = kbWorker
	}
	srv := server.New(srvCfg)

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Open SSE streams are ended first
	// or the HTTP drain would wait on them.
	slog.Info("sapphire shutting down")

	broker.Close()
	httpCtx, httpCancel := context.WithTimeout(context.Background(), phaseTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if kbWorker != nil {
		kbCtx, kbCancel := context.WithTimeout(context.Background(), phaseTimeout)
		kbWorker.Drain(kbCtx)
		kbCancel()
	}

	if outboxWorker != nil {
		outboxCtx, outboxCancel := context.WithTimeout(context.Background(), phaseTimeout)
		outboxWorker.Drain(outboxCtx)
		outboxCancel()
	}

	slaCtx, slaCancel := context.WithTimeout(context.Background(), phaseTimeout)
	sweeper.Stop(slaCtx)
	slaCancel()

	slog.Info("sapphire stopped")
	return nil
}

// newAI returns the classifier and generator for the configured provider and
// the model name recorded on generated answers.
func newAI(cfg config.Config, logger *slog.Logger) (aigateway.Classifier, aigateway.Generator, string) {
	if cfg.AIProvider == "anthropic" {
		gen := aigateway.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger)
		logger.Info("ai provider: anthropic", "model", cfg.AnthropicModel)
		return aigateway.NewGeneratorClassifier(gen, cfg.AnthropicModel, logger), gen, cfg.AnthropicModel
	}
	client := aigateway.New(aigateway.Config{
		BaseURL: cfg.AIGatewayURL,
		APIKey:  cfg.AIGatewayAPIKey,
		Timeout: cfg.AIGatewayTimeout,
	}, logger)
	logger.Info("ai provider: gateway", "url", cfg.AIGatewayURL)
	return client, client, "ai-gateway"
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		return openAIOrNoop(cfg, logger)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic recall disabled)")
		return embedding.NewNoopProvider(dims)

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			return openAIOrNoop(cfg, logger)
		}
		logger.Warn("no embedding provider available, using noop (semantic recall disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func openAIOrNoop(cfg config.Config, logger *slog.Logger) embedding.Provider {
	p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	if err != nil {
		logger.Error("openai provider init failed", "error", err)
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}
	logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
	return p
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
