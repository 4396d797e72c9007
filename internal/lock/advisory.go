// Package lock provides distributed mutual exclusion per backfill month
// using Postgres session-scoped advisory locks. The lock auto-releases when
// the holding session disconnects, so no heartbeat protocol is needed.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pollInterval spaces non-blocking acquire attempts while waiting for a
// contended lock.
const pollInterval = 100 * time.Millisecond

// MonthKey derives the advisory lock key for a backfill month.
func MonthKey(year, month int) int64 {
	return int64(year)*100 + int64(month)
}

// Conn is the slice of a pooled connection the manager uses. A held lock
// keeps its Conn checked out until Release.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// Pool hands out session-pinned connections.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxPool adapts *pgxpool.Pool to Pool; Acquire's concrete return type
// keeps the pool from satisfying the interface directly.
type pgxPool struct {
	*pgxpool.Pool
}

func (p pgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager acquires and releases month locks. Each held lock pins one pool
// connection, because advisory locks are scoped to the Postgres session
// that took them.
type Manager struct {
	pool Pool

	mu   sync.Mutex
	held map[int64]Conn
}

// NewManager creates a Manager backed by the given pool.
func NewManager(pool *pgxpool.Pool) *Manager {
	return newManager(pgxPool{pool})
}

func newManager(pool Pool) *Manager {
	return &Manager{
		pool: pool,
		held: make(map[int64]Conn),
	}
}

// TryAcquire attempts to take the lock for key, polling until timeout.
// It returns false when another processor holds the lock; callers treat
// that as "already owned", never as an error.
func (m *Manager) TryAcquire(ctx context.Context, key int64, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	if _, ok := m.held[key]; ok {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		var got bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
			conn.Release()
			return false, fmt.Errorf("try advisory lock %d: %w", key, err)
		}
		if got {
			m.mu.Lock()
			m.held[key] = conn
			m.mu.Unlock()
			return true, nil
		}
		if time.Now().After(deadline) {
			conn.Release()
			return false, nil
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			conn.Release()
			return false, fmt.Errorf("advisory lock wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Release unlocks key and returns its pinned connection to the pool.
// Releasing a lock this manager does not hold returns false.
func (m *Manager) Release(ctx context.Context, key int64) (bool, error) {
	m.mu.Lock()
	conn, ok := m.held[key]
	if ok {
		delete(m.held, key)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	defer conn.Release()

	var unlocked bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&unlocked); err != nil {
		return false, fmt.Errorf("advisory unlock %d: %w", key, err)
	}
	return unlocked, nil
}

// IsLocked reports whether any session currently holds the key.
func (m *Manager) IsLocked(ctx context.Context, key int64) (bool, error) {
	// Advisory lock keys land in pg_locks split across classid/objid.
	const q = `
SELECT EXISTS (
	SELECT 1 FROM pg_locks
	WHERE locktype = 'advisory'
	  AND ((classid::bigint << 32) | objid::bigint) = $1
	  AND granted
)`
	var locked bool
	if err := m.pool.QueryRow(ctx, q, key).Scan(&locked); err != nil {
		return false, fmt.Errorf("query pg_locks for %d: %w", key, err)
	}
	return locked, nil
}

// Close releases every lock still held. Used on shutdown so the session
// teardown is orderly rather than relying on disconnect cleanup.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	keys := make([]int64, 0, len(m.held))
	for k := range m.held {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		_, _ = m.Release(ctx, k)
	}
}
