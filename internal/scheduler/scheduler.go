// Package scheduler selects eligible backfill months, flips them to
// processing, and hands one job message per claimed unit to the queue.
package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/queue"
	"github.com/bibliofeed/aggregator/internal/store"
)

// MonthSelector is the slice of the backfill store the scheduler needs.
type MonthSelector interface {
	SeedRange(ctx context.Context, fromYear, fromMonth, toYear, toMonth int) (int64, error)
	ClaimEligible(ctx context.Context, filter store.ClaimFilter) ([]store.MonthRecord, error)
	SelectEligible(ctx context.Context, filter store.ClaimFilter) ([]store.MonthRecord, error)
	StatusCounts(ctx context.Context) (map[store.Status]int64, error)
	RecentActivity(ctx context.Context, limit int) ([]store.MonthRecord, error)
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Config tunes scheduling behavior.
type Config struct {
	JobTopic      string
	BatchSize     int
	PromptVariant string
	MaxRetries    int
}

// Scheduler drives pending/retry months into processing.
type Scheduler struct {
	months    MonthSelector
	publisher queue.Publisher
	local     queue.Queue // optional same-binary processor feed
	idGen     IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New creates a Scheduler. local may be nil when processors consume the
// job topic from another binary.
func New(months MonthSelector, publisher queue.Publisher, local queue.Queue, idGen IDGenerator, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		months:    months,
		publisher: publisher,
		local:     local,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
	}
}

// Request is the inbound scheduling operation.
type Request struct {
	Limit      int
	YearFrom   int
	YearTo     int
	ForceRetry bool
	DryRun     bool
}

// Unit reports one selected month.
type Unit struct {
	JobID      string `json:"job_id,omitempty"`
	Year       int    `json:"year"`
	Month      int    `json:"month"`
	RetryCount int    `json:"retry_count"`
}

// Response reports what the scheduler did, never a bare boolean: operators
// need to tell "nothing eligible" apart from "claimed but enqueue failed".
type Response struct {
	Requested int    `json:"requested"`
	Selected  []Unit `json:"selected"`
	Enqueued  int    `json:"enqueued"`
	DryRun    bool   `json:"dry_run"`
}

// Schedule claims up to req.Limit eligible months (most recent first) and
// publishes a job message per claim. With DryRun it selects without
// mutating or publishing.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Response, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}
	filter := store.ClaimFilter{
		Limit:      limit,
		YearFrom:   req.YearFrom,
		YearTo:     req.YearTo,
		ForceRetry: req.ForceRetry,
		MaxRetries: s.cfg.MaxRetries,
	}

	resp := Response{Requested: limit, DryRun: req.DryRun}

	if req.DryRun {
		records, err := s.months.SelectEligible(ctx, filter)
		if err != nil {
			return resp, fmt.Errorf("dry-run selection: %w", err)
		}
		for _, rec := range records {
			resp.Selected = append(resp.Selected, Unit{Year: rec.Year, Month: rec.Month, RetryCount: rec.RetryCount})
		}
		return resp, nil
	}

	records, err := s.months.ClaimEligible(ctx, filter)
	if err != nil {
		return resp, fmt.Errorf("claim months: %w", err)
	}

	for _, rec := range records {
		jobID, err := s.idGen.NewID()
		if err != nil {
			return resp, fmt.Errorf("generate job id: %w", err)
		}
		unit := Unit{JobID: jobID, Year: rec.Year, Month: rec.Month, RetryCount: rec.RetryCount}
		resp.Selected = append(resp.Selected, unit)

		msg := queue.JobMessage{
			JobID:         jobID,
			Year:          rec.Year,
			Month:         rec.Month,
			BatchSize:     s.cfg.BatchSize,
			PromptVariant: s.cfg.PromptVariant,
		}
		if _, err := s.publisher.Publish(ctx, s.cfg.JobTopic, msg); err != nil {
			// The month stays in processing; the stale-claim sweep of a
			// later operational pass re-queues it. Report what happened.
			s.logger.Error("job publish failed",
				zap.String("job_id", jobID),
				zap.Int("year", rec.Year), zap.Int("month", rec.Month),
				zap.Error(err))
			continue
		}
		if s.local != nil {
			if err := s.local.Enqueue(ctx, msg); err != nil {
				s.logger.Error("local enqueue failed", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
		}
		resp.Enqueued++
		s.logger.Info("month scheduled",
			zap.String("job_id", jobID),
			zap.Int("year", rec.Year), zap.Int("month", rec.Month))
	}
	return resp, nil
}

// Seed creates pending rows for every month in the range, idempotently.
func (s *Scheduler) Seed(ctx context.Context, fromYear, fromMonth, toYear, toMonth int) (int64, error) {
	inserted, err := s.months.SeedRange(ctx, fromYear, fromMonth, toYear, toMonth)
	if err != nil {
		return 0, err
	}
	s.logger.Info("backfill range seeded",
		zap.Int("from_year", fromYear), zap.Int("from_month", fromMonth),
		zap.Int("to_year", toYear), zap.Int("to_month", toMonth),
		zap.Int64("inserted", inserted))
	return inserted, nil
}

// StatusReport aggregates month counts and recent activity.
type StatusReport struct {
	Counts map[store.Status]int64 `json:"counts"`
	Recent []store.MonthRecord    `json:"recent"`
}

// Status builds the operational status report.
func (s *Scheduler) Status(ctx context.Context, recentLimit int) (StatusReport, error) {
	counts, err := s.months.StatusCounts(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("status counts: %w", err)
	}
	recent, err := s.months.RecentActivity(ctx, recentLimit)
	if err != nil {
		return StatusReport{}, fmt.Errorf("recent activity: %w", err)
	}
	return StatusReport{Counts: counts, Recent: recent}, nil
}
