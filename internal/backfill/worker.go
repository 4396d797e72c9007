package backfill

import (
	"context"

	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/queue"
)

// Worker consumes job messages and runs them through the Processor.
type Worker struct {
	queue     queue.Queue
	processor *Processor
	logger    *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(q queue.Queue, processor *Processor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: q, processor: processor, logger: logger}
}

// Run blocks, consuming job messages until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}

		out, err := w.processor.Process(ctx, msg)
		if err != nil {
			w.logger.Error("job failed",
				zap.String("job_id", msg.JobID),
				zap.Int("year", msg.Year), zap.Int("month", msg.Month),
				zap.String("status", string(out.Status)),
				zap.Error(err))
			continue
		}
		if out.Skipped || out.DryRun {
			continue
		}
		w.logger.Info("job finished",
			zap.String("job_id", msg.JobID),
			zap.Int("year", msg.Year), zap.Int("month", msg.Month),
			zap.String("status", string(out.Status)),
			zap.Int("generated", out.Generated),
			zap.Int("resolved", out.Resolved),
			zap.Int("synthetic", out.Synthetic))
	}
}
