package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/telemetry"
)

// Outbox operations written by storage alongside article changes.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// outboxEntry represents a single row from the search_outbox table.
type outboxEntry struct {
	ID        int64
	ArticleID uuid.UUID
	Operation string
	Attempts  int
}

// ArticleForIndex holds the fields needed to build a Qdrant point.
type ArticleForIndex struct {
	ID            uuid.UUID
	TenantID      *uuid.UUID
	TenantLevel   model.TenantLevel
	Title         string
	Tags          []string
	LastUpdatedAt time.Time
	Embedding     []float32
}

// Indexer is the write side of the vector index.
type Indexer interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// OutboxWorker polls the search_outbox table and syncs KB articles to Qdrant.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        Indexer
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // hands the drain deadline to pollLoop for the final batch
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(pool *pgxpool.Pool, index Indexer, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Later calls are no-ops.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop after one final batch and blocks until it
// finishes or ctx expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// Must be sent before cancelLoop so pollLoop sees it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	} else {
		w.once.Do(func() { close(w.done) })
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

func (w *OutboxWorker) processBatch(ctx context.Context) {
	entries, err := w.claim(ctx)
	if err != nil {
		w.logger.Error("search outbox: claim entries", "error", err)
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case OpUpsert:
			upserts = append(upserts, e)
		case OpDelete:
			deletes = append(deletes, e)
		}
	}
	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

// claim selects pending entries and locks them for 60 seconds, longer than
// the 30s batch timeout so a second worker cannot pick them up mid-flight.
func (w *OutboxWorker) claim(ctx context.Context) ([]outboxEntry, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, article_id, operation, attempts
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outboxEntry, error) {
		var e outboxEntry
		err := row.Scan(&e.ID, &e.ArticleID, &e.Operation, &e.Attempts)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE search_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs(entries),
	); err != nil {
		return nil, fmt.Errorf("lock entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lock: %w", err)
	}
	return entries, nil
}

func entryIDs(entries []outboxEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func articleIDs(entries []outboxEntry) []uuid.UUID {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ArticleID
	}
	return ids
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("search outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("search outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	articles, err := w.fetchArticlesForIndex(ctx, articleIDs(entries))
	if err != nil {
		w.logger.Error("search outbox: fetch articles", "error", err, "count", len(entries))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	if len(articles) == 0 {
		// Deactivated or not yet embedded; nothing to index.
		w.succeedEntries(ctx, entries)
		return
	}

	points := make([]Point, 0, len(articles))
	for _, a := range articles {
		points = append(points, Point(a))
	}
	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("search outbox: qdrant upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: upserted", "count", len(points))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	if err := w.index.DeleteByIDs(ctx, articleIDs(entries)); err != nil {
		w.logger.Error("search outbox: qdrant delete", "error", err, "count", len(entries))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: deleted", "count", len(entries))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	if _, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox WHERE id = ANY($1)`, entryIDs(entries),
	); err != nil {
		w.logger.Error("search outbox: delete completed entries", "error", err)
	}
}

// failEntries backs off exponentially, 2^attempts seconds capped at 5 minutes.
func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, entryIDs(entries),
	); err != nil {
		w.logger.Error("search outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: dead-letter entry",
				"outbox_id", e.ID,
				"article_id", e.ArticleID,
				"operation", e.Operation,
				"attempts", e.Attempts+1,
			)
		}
	}
}

func (w *OutboxWorker) fetchArticlesForIndex(ctx context.Context, ids []uuid.UUID) ([]ArticleForIndex, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT id, tenant_id, tenant_level, title, tags, last_updated_at, embedding
		 FROM kb_article_index
		 WHERE id = ANY($1) AND is_active = true AND embedding IS NOT NULL`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: query articles: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ArticleForIndex, error) {
		var (
			a   ArticleForIndex
			emb pgvector.Vector
		)
		if err := row.Scan(&a.ID, &a.TenantID, &a.TenantLevel, &a.Title, &a.Tags, &a.LastUpdatedAt, &emb); err != nil {
			return a, fmt.Errorf("search outbox: scan article: %w", err)
		}
		a.Embedding = emb.Slice()
		return a, nil
	})
}

// registerMetrics registers an observable gauge for outbox depth.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("sapphire/outbox")

	_, _ = meter.Int64ObservableGauge("sapphire.outbox.depth",
		metric.WithDescription("Number of pending entries in the KB search outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // skip this observation
			}
			o.Observe(count)
			return nil
		}),
	)
}
