// Package store provides Postgres-backed persistence for the backfill
// month log and candidate book records.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status is the backfill month state machine position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// MonthRecord mirrors one backfill_log row. Invariant, enforced at every
// write: completed_at is set exactly when status is completed or failed,
// and never precedes started_at.
type MonthRecord struct {
	Year           int
	Month          int
	Status         Status
	RetryCount     int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastRetryAt    *time.Time
	ErrorMessage   string
	BooksGenerated int
	ISBNsResolved  int
	ResolutionRate float64
	ProviderCalls  map[string]int
}

// ClaimFilter narrows scheduler selection.
type ClaimFilter struct {
	Limit      int
	YearFrom   int // 0 means unbounded
	YearTo     int // 0 means unbounded
	ForceRetry bool
	MaxRetries int
}

// BookRecord is one persisted candidate, resolved or synthetic.
type BookRecord struct {
	ID        int64
	Title     string
	Author    string
	Year      int
	Month     int
	Format    string
	ISBN      string
	CoverURL  string
	Source    string
	Synthetic bool
	CreatedAt time.Time
}

// DB is the pgx surface the stores need; satisfied by *pgxpool.Pool and by
// pgxmock pools in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
