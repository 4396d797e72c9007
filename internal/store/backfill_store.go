package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// BackfillStore owns the backfill_log table. Rows are created once by
// SeedRange and mutated only through the transition methods below; they
// are never deleted.
type BackfillStore struct {
	db DB
}

// NewBackfillStore creates a BackfillStore over the given pool.
func NewBackfillStore(db DB) *BackfillStore {
	return &BackfillStore{db: db}
}

// SeedRange inserts one pending row per month in [from, to] inclusive.
// Seeding an already-seeded range inserts zero new rows.
func (s *BackfillStore) SeedRange(ctx context.Context, fromYear, fromMonth, toYear, toMonth int) (int64, error) {
	if fromYear*100+fromMonth > toYear*100+toMonth {
		return 0, fmt.Errorf("seed range is inverted")
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO backfill_log (year, month, status) VALUES ")
	var args []any
	i := 1
	for y, m := fromYear, fromMonth; y*100+m <= toYear*100+toMonth; {
		if i > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", i, i+1, i+2)
		args = append(args, y, m, string(StatusPending))
		i += 3
		m++
		if m > 12 {
			m = 1
			y++
		}
	}
	sb.WriteString(" ON CONFLICT (year, month) DO NOTHING")

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("seed backfill_log: %w", err)
	}
	return tag.RowsAffected(), nil
}

const claimQuery = `
UPDATE backfill_log b
SET status = $1,
    started_at = now(),
    completed_at = NULL,
    retry_count = CASE WHEN b.status = 'failed' THEN 0 ELSE b.retry_count END
FROM (
	SELECT year, month FROM backfill_log
	WHERE status = ANY($2)
	  AND (status = 'failed' OR retry_count < $3)
	  AND ($4 = 0 OR year >= $4)
	  AND ($5 = 0 OR year <= $5)
	ORDER BY year DESC, month DESC
	LIMIT $6
	FOR UPDATE SKIP LOCKED
) eligible
WHERE b.year = eligible.year AND b.month = eligible.month
RETURNING b.year, b.month, b.status, b.retry_count`

// ClaimEligible atomically flips up to filter.Limit eligible months to
// processing, most-recent-period-first, and returns the claimed rows.
// ForceRetry widens the selection to terminal failures and resets their
// retry budget on claim.
func (s *BackfillStore) ClaimEligible(ctx context.Context, filter ClaimFilter) ([]MonthRecord, error) {
	statuses := eligibleStatuses(filter.ForceRetry)
	rows, err := s.db.Query(ctx, claimQuery,
		string(StatusProcessing), statuses, filter.MaxRetries,
		filter.YearFrom, filter.YearTo, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim eligible months: %w", err)
	}
	defer rows.Close()

	var out []MonthRecord
	for rows.Next() {
		var rec MonthRecord
		if err := rows.Scan(&rec.Year, &rec.Month, &rec.Status, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("scan claimed month: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed months: %w", err)
	}
	return out, nil
}

const selectEligibleQuery = `
SELECT year, month, status, retry_count FROM backfill_log
WHERE status = ANY($1)
  AND (status = 'failed' OR retry_count < $2)
  AND ($3 = 0 OR year >= $3)
  AND ($4 = 0 OR year <= $4)
ORDER BY year DESC, month DESC
LIMIT $5`

// SelectEligible is the dry-run variant of ClaimEligible: the same
// selection with no mutation.
func (s *BackfillStore) SelectEligible(ctx context.Context, filter ClaimFilter) ([]MonthRecord, error) {
	statuses := eligibleStatuses(filter.ForceRetry)
	rows, err := s.db.Query(ctx, selectEligibleQuery,
		statuses, filter.MaxRetries, filter.YearFrom, filter.YearTo, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible months: %w", err)
	}
	defer rows.Close()

	var out []MonthRecord
	for rows.Next() {
		var rec MonthRecord
		if err := rows.Scan(&rec.Year, &rec.Month, &rec.Status, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("scan eligible month: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible months: %w", err)
	}
	return out, nil
}

func eligibleStatuses(forceRetry bool) []string {
	statuses := []string{string(StatusPending), string(StatusRetry)}
	if forceRetry {
		statuses = append(statuses, string(StatusFailed))
	}
	return statuses
}

const completeQuery = `
UPDATE backfill_log
SET status = 'completed',
    completed_at = now(),
    error_message = '',
    books_generated = $3,
    isbns_resolved = $4,
    resolution_rate = $5,
    provider_calls = $6
WHERE year = $1 AND month = $2 AND status = 'processing'`

// MarkCompleted finalizes a processing month. Status and completed_at move
// in one statement so the completion invariant cannot be observed broken.
// Zero resolved ISBNs is still a completion (degraded path).
func (s *BackfillStore) MarkCompleted(ctx context.Context, year, month, generated, resolved int, calls map[string]int) error {
	rate := 0.0
	if generated > 0 {
		rate = float64(resolved) / float64(generated)
	}
	callsJSON, err := json.Marshal(normalizeCalls(calls))
	if err != nil {
		return fmt.Errorf("marshal provider calls: %w", err)
	}
	tag, err := s.db.Exec(ctx, completeQuery, year, month, generated, resolved, rate, callsJSON)
	if err != nil {
		return fmt.Errorf("complete %d-%02d: %w", year, month, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete %d-%02d: row not in processing", year, month)
	}
	return nil
}

const retryOrFailQuery = `
UPDATE backfill_log
SET retry_count = retry_count + 1,
    status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'retry' END,
    completed_at = CASE WHEN retry_count + 1 >= $3 THEN now() ELSE NULL END,
    last_retry_at = now(),
    error_message = $4
WHERE year = $1 AND month = $2 AND status = 'processing'
RETURNING status`

// MarkRetryOrFailed records an unrecoverable job error. The status and
// completed_at columns change in one atomic statement: a retry explicitly
// clears completed_at, while the final failure stamps it. Returns the
// resulting status.
func (s *BackfillStore) MarkRetryOrFailed(ctx context.Context, year, month, maxRetries int, errMsg string) (Status, error) {
	var status Status
	err := s.db.QueryRow(ctx, retryOrFailQuery, year, month, maxRetries, errMsg).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("retry/fail %d-%02d: %w", year, month, err)
	}
	return status, nil
}

// StatusCounts aggregates rows by status for operational visibility.
func (s *BackfillStore) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM backfill_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int64)
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return out, nil
}

const recentActivityQuery = `
SELECT year, month, status, retry_count, started_at, completed_at, last_retry_at,
       error_message, books_generated, isbns_resolved, resolution_rate, provider_calls
FROM backfill_log
WHERE started_at IS NOT NULL
ORDER BY started_at DESC
LIMIT $1`

// RecentActivity returns the most recently started months.
func (s *BackfillStore) RecentActivity(ctx context.Context, limit int) ([]MonthRecord, error) {
	rows, err := s.db.Query(ctx, recentActivityQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var out []MonthRecord
	for rows.Next() {
		var rec MonthRecord
		var callsJSON []byte
		if err := rows.Scan(&rec.Year, &rec.Month, &rec.Status, &rec.RetryCount,
			&rec.StartedAt, &rec.CompletedAt, &rec.LastRetryAt, &rec.ErrorMessage,
			&rec.BooksGenerated, &rec.ISBNsResolved, &rec.ResolutionRate, &callsJSON); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		if len(callsJSON) > 0 {
			if err := json.Unmarshal(callsJSON, &rec.ProviderCalls); err != nil {
				return nil, fmt.Errorf("decode provider calls: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows: %w", err)
	}
	return out, nil
}

func normalizeCalls(calls map[string]int) map[string]int {
	if calls == nil {
		return map[string]int{}
	}
	return calls
}
