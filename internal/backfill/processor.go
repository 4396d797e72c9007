// Package backfill executes one month's generate → resolve → persist →
// enqueue pipeline under the month's advisory lock, and drives the
// pending → processing → {completed | failed | retry} state machine.
package backfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/dedup"
	"github.com/bibliofeed/aggregator/internal/lock"
	"github.com/bibliofeed/aggregator/internal/metrics"
	"github.com/bibliofeed/aggregator/internal/orchestrator"
	"github.com/bibliofeed/aggregator/internal/queue"
	"github.com/bibliofeed/aggregator/internal/store"
)

// MonthLog records job transitions on the backfill_log row.
type MonthLog interface {
	MarkCompleted(ctx context.Context, year, month, generated, resolved int, calls map[string]int) error
	MarkRetryOrFailed(ctx context.Context, year, month, maxRetries int, errMsg string) (store.Status, error)
}

// BookWriter persists candidate records and answers corpus lookups.
type BookWriter interface {
	Insert(ctx context.Context, rec store.BookRecord) (int64, error)
	ExistsSimilar(ctx context.Context, title, author string) (bool, error)
}

// Locker provides per-month mutual exclusion.
type Locker interface {
	TryAcquire(ctx context.Context, key int64, timeout time.Duration) (bool, error)
	Release(ctx context.Context, key int64) (bool, error)
}

// Orchestrator is the provider invocation surface the processor uses.
type Orchestrator interface {
	GenerateFanOut(ctx context.Context, req book.GenerateRequest) orchestrator.GenerateResult
	ResolveFallback(ctx context.Context, batch []book.Candidate) orchestrator.ResolveResult
	FindCover(ctx context.Context, isbn string) (book.Cover, bool, orchestrator.CallCounters)
}

// Config tunes the processor.
type Config struct {
	MaxRetries      int
	LockTimeout     time.Duration
	EnrichmentTopic string
}

// Processor runs backfill jobs.
type Processor struct {
	months    MonthLog
	books     BookWriter
	locks     Locker
	orch      Orchestrator
	publisher queue.Publisher
	cfg       Config
	logger    *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(
	months MonthLog,
	books BookWriter,
	locks Locker,
	orch Orchestrator,
	publisher queue.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	return &Processor{
		months:    months,
		books:     books,
		locks:     locks,
		orch:      orch,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Outcome reports what one job did: attempted vs skipped vs degraded, with
// counts, so callers never see a bare success boolean.
type Outcome struct {
	JobID     string
	Year      int
	Month     int
	Status    store.Status
	Skipped   bool // lock already owned by another processor
	DryRun    bool
	Generated int
	Resolved  int
	Synthetic int
	Enqueued  int
	Counters  orchestrator.CallCounters
}

// Process executes one job message end to end. Provider-level trouble never
// escapes here as an error; only persistence problems do, after they have
// been recorded as a retry/failed transition.
func (p *Processor) Process(ctx context.Context, msg queue.JobMessage) (Outcome, error) {
	out := Outcome{
		JobID:    msg.JobID,
		Year:     msg.Year,
		Month:    msg.Month,
		Counters: make(orchestrator.CallCounters),
	}
	logger := p.logger.With(
		zap.String("job_id", msg.JobID),
		zap.Int("year", msg.Year), zap.Int("month", msg.Month))

	if msg.DryRun {
		out.DryRun = true
		logger.Info("dry-run job message, nothing to do")
		return out, nil
	}

	key := lock.MonthKey(msg.Year, msg.Month)
	got, err := p.locks.TryAcquire(ctx, key, p.cfg.LockTimeout)
	if err != nil {
		return out, p.recordFailure(ctx, &out, fmt.Errorf("acquire month lock: %w", err))
	}
	if !got {
		// Another processor owns this month. Normal outcome, not an error.
		metrics.IncLockContention()
		out.Skipped = true
		logger.Info("month already owned, skipping")
		return out, nil
	}
	defer func() {
		if _, relErr := p.locks.Release(ctx, key); relErr != nil {
			logger.Warn("month lock release failed", zap.Error(relErr))
		}
	}()

	return p.run(ctx, msg, out, logger)
}

func (p *Processor) run(ctx context.Context, msg queue.JobMessage, out Outcome, logger *zap.Logger) (Outcome, error) {
	// Generate.
	gen := p.orch.GenerateFanOut(ctx, book.GenerateRequest{
		Year:          msg.Year,
		Month:         msg.Month,
		BatchSize:     msg.BatchSize,
		PromptVariant: msg.PromptVariant,
	})
	out.Counters.Merge(gen.Counters)

	if gen.NoProviderSucceeded {
		// Empty fan-out is not an error: complete the month with zero
		// output so the ledger reflects the attempt. Operators can
		// force-retry if this was an outage rather than a barren month.
		logger.Warn("no generation provider succeeded, completing empty")
		if err := p.months.MarkCompleted(ctx, msg.Year, msg.Month, 0, 0, out.Counters); err != nil {
			return out, p.recordFailure(ctx, &out, err)
		}
		out.Status = store.StatusCompleted
		metrics.IncBackfillJob(string(out.Status))
		return out, nil
	}

	// Drop candidates already in the catalog.
	fresh, err := dedup.FilterKnown(ctx, p.books, gen.Candidates)
	if err != nil {
		return out, p.recordFailure(ctx, &out, fmt.Errorf("corpus filter: %w", err))
	}
	out.Generated = len(fresh)

	// Resolve the whole batch; cost is per call, so no per-candidate loop.
	res := p.orch.ResolveFallback(ctx, fresh)
	out.Counters.Merge(res.Counters)

	// Persist resolved records, then synthetics for the remainder.
	resolvedKeys := make(map[string]bool, len(res.Resolutions))
	for _, r := range res.Resolutions {
		cover, okCover, coverCounters := p.orch.FindCover(ctx, r.ISBN)
		out.Counters.Merge(coverCounters)
		coverURL := ""
		if okCover {
			coverURL = cover.URL
		}

		if _, err := p.books.Insert(ctx, store.BookRecord{
			Title:    r.Candidate.Title,
			Author:   r.Candidate.Author,
			Year:     msg.Year,
			Month:    msg.Month,
			Format:   r.Candidate.Format,
			ISBN:     r.ISBN,
			CoverURL: coverURL,
			Source:   r.Provider,
		}); err != nil {
			return out, p.recordFailure(ctx, &out, fmt.Errorf("persist resolved book: %w", err))
		}
		resolvedKeys[dedup.Key(r.Candidate.Title, r.Candidate.Author)] = true
		out.Resolved++

		// Enqueue enrichment downstream; best-effort by design, the
		// enhancement pass covers anything dropped here.
		if _, err := p.publisher.Publish(ctx, p.cfg.EnrichmentTopic, queue.EnrichmentMessage{
			ISBN:     r.ISBN,
			Title:    r.Candidate.Title,
			Author:   r.Candidate.Author,
			CoverURL: coverURL,
			Source:   r.Provider,
		}); err != nil {
			logger.Warn("enrichment publish failed", zap.String("isbn", r.ISBN), zap.Error(err))
		} else {
			out.Enqueued++
		}
	}

	// Whatever resolution could not cover survives as synthetic records:
	// generation output is expensive and is preserved even when the paid
	// budget is gone.
	for _, cand := range fresh {
		if resolvedKeys[dedup.Key(cand.Title, cand.Author)] {
			continue
		}
		if _, err := p.books.Insert(ctx, store.BookRecord{
			Title:     cand.Title,
			Author:    cand.Author,
			Year:      msg.Year,
			Month:     msg.Month,
			Format:    cand.Format,
			Source:    cand.Source,
			Synthetic: true,
		}); err != nil {
			return out, p.recordFailure(ctx, &out, fmt.Errorf("persist synthetic book: %w", err))
		}
		out.Synthetic++
	}
	if out.Synthetic > 0 {
		metrics.AddSyntheticRecords(out.Synthetic)
	}

	if err := p.months.MarkCompleted(ctx, msg.Year, msg.Month, out.Generated, out.Resolved, out.Counters); err != nil {
		return out, p.recordFailure(ctx, &out, err)
	}
	out.Status = store.StatusCompleted
	metrics.IncBackfillJob(string(out.Status))

	if res.BudgetExhausted {
		logger.Info("completed degraded",
			zap.Int("generated", out.Generated),
			zap.Int("resolved", out.Resolved),
			zap.Int("synthetic", out.Synthetic))
	} else {
		logger.Info("completed",
			zap.Int("generated", out.Generated),
			zap.Int("resolved", out.Resolved),
			zap.Int("synthetic", out.Synthetic),
			zap.Int("enqueued", out.Enqueued))
	}
	return out, nil
}

// recordFailure turns a persistence error into a retry or failed
// transition and returns the original error for the caller's log.
func (p *Processor) recordFailure(ctx context.Context, out *Outcome, cause error) error {
	status, err := p.months.MarkRetryOrFailed(ctx, out.Year, out.Month, p.cfg.MaxRetries, cause.Error())
	if err != nil {
		// The transition itself failed; the row stays in processing until
		// an operator or a stale-claim sweep intervenes.
		p.logger.Error("state transition failed",
			zap.Int("year", out.Year), zap.Int("month", out.Month),
			zap.NamedError("cause", cause), zap.Error(err))
		return fmt.Errorf("record failure (%v): %w", cause, err)
	}
	out.Status = status
	metrics.IncBackfillJob(string(status))
	return cause
}
