// Package queue defines the message shapes and transport contracts between
// the scheduler, the job processors, and the downstream enrichment pipeline.
package queue

import (
	"context"
)

// JobMessage is published once per scheduled month-unit and consumed by a
// job processor.
type JobMessage struct {
	JobID         string `json:"job_id"`
	Year          int    `json:"year"`
	Month         int    `json:"month"`
	BatchSize     int    `json:"batch_size"`
	PromptVariant string `json:"prompt_variant"`
	DryRun        bool   `json:"dry_run"`
}

// EnrichmentMessage is published once per resolved ISBN and consumed by the
// out-of-scope enrichment pipeline.
type EnrichmentMessage struct {
	ISBN     string `json:"isbn"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	CoverURL string `json:"cover_url,omitempty"`
	Source   string `json:"source"`
}

// Publisher pushes messages to a topic (Pub/Sub or an in-memory double).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for job messages when the
// processor runs in the same binary as the scheduler.
type Queue interface {
	Enqueue(ctx context.Context, msg JobMessage) error
	Dequeue(ctx context.Context) (JobMessage, error)
}
