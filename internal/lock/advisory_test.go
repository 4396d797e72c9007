package lock

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func TestMonthKeyIsUniquePerMonth(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(202406), MonthKey(2024, 6))
	require.Equal(t, int64(195001), MonthKey(1950, 1))
	require.Equal(t, int64(199912), MonthKey(1999, 12))

	// Adjacent months never collide, including across year boundaries.
	require.NotEqual(t, MonthKey(1999, 12), MonthKey(2000, 1))
	require.Equal(t, int64(100-12), MonthKey(2000, 1)-MonthKey(1999, 12))
}

// lockTable stands in for the server side of pg advisory locks: one entry
// per key, owned by the session (connection) that took it.
type lockTable struct {
	mu   sync.Mutex
	held map[int64]*fakeConn
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[int64]*fakeConn)}
}

type boolRow struct {
	val bool
	err error
}

func (r boolRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.val
	return nil
}

type fakeConn struct {
	table    *lockTable
	released bool
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	key := args[0].(int64)
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	switch {
	case strings.Contains(sql, "pg_try_advisory_lock"):
		owner, taken := c.table.held[key]
		if taken && owner != c {
			return boolRow{val: false}
		}
		c.table.held[key] = c
		return boolRow{val: true}
	case strings.Contains(sql, "pg_advisory_unlock"):
		if c.table.held[key] != c {
			return boolRow{val: false}
		}
		delete(c.table.held, key)
		return boolRow{val: true}
	default:
		return boolRow{val: false}
	}
}

func (c *fakeConn) Release() { c.released = true }

type fakePool struct {
	table    *lockTable
	mu       sync.Mutex
	acquires int
	conns    []*fakeConn
}

func (p *fakePool) Acquire(context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	conn := &fakeConn{table: p.table}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakePool) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	key := args[0].(int64)
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	_, taken := p.table.held[key]
	return boolRow{val: taken}
}

func newTestManagers(table *lockTable) (*Manager, *fakePool) {
	pool := &fakePool{table: table}
	return newManager(pool), pool
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	t.Parallel()

	table := newLockTable()
	first, _ := newTestManagers(table)
	second, _ := newTestManagers(table)
	key := MonthKey(2024, 6)

	got, err := first.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)
	require.True(t, got)

	// A contended key times out to false, never an error.
	got, err = second.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)
	require.False(t, got)

	released, err := first.Release(context.Background(), key)
	require.NoError(t, err)
	require.True(t, released)

	got, err = second.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)
	require.True(t, got)
}

func TestTryAcquireHeldKeyShortCircuits(t *testing.T) {
	t.Parallel()

	mgr, pool := newTestManagers(newLockTable())
	key := MonthKey(2024, 6)

	got, err := mgr.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)
	require.True(t, got)

	// The second attempt is answered from the held map, without checking
	// out another connection.
	got, err = mgr.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)
	require.False(t, got)
	require.Equal(t, 1, pool.acquires)
}

func TestTryAcquirePollsUntilHolderReleases(t *testing.T) {
	t.Parallel()

	table := newLockTable()
	holder, _ := newTestManagers(table)
	waiter, _ := newTestManagers(table)
	key := MonthKey(2024, 6)

	got, err := holder.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)
	require.True(t, got)

	go func() {
		time.Sleep(pollInterval + pollInterval/2)
		_, _ = holder.Release(context.Background(), key)
	}()

	got, err = waiter.TryAcquire(context.Background(), key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, got)
}

func TestTryAcquireContextCancellation(t *testing.T) {
	t.Parallel()

	table := newLockTable()
	holder, _ := newTestManagers(table)
	waiter, _ := newTestManagers(table)
	key := MonthKey(2024, 6)

	got, err := holder.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)
	require.True(t, got)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = waiter.TryAcquire(ctx, key, 5*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseUnheldKey(t *testing.T) {
	t.Parallel()

	mgr, pool := newTestManagers(newLockTable())
	released, err := mgr.Release(context.Background(), MonthKey(2024, 6))
	require.NoError(t, err)
	require.False(t, released)
	require.Zero(t, pool.acquires)
}

func TestReleaseReturnsConnection(t *testing.T) {
	t.Parallel()

	mgr, pool := newTestManagers(newLockTable())
	key := MonthKey(2024, 6)

	got, err := mgr.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)
	require.True(t, got)
	require.False(t, pool.conns[0].released)

	_, err = mgr.Release(context.Background(), key)
	require.NoError(t, err)
	require.True(t, pool.conns[0].released)
}

func TestIsLockedSeesOtherSessions(t *testing.T) {
	t.Parallel()

	table := newLockTable()
	holder, _ := newTestManagers(table)
	observer, _ := newTestManagers(table)
	key := MonthKey(2024, 6)

	locked, err := observer.IsLocked(context.Background(), key)
	require.NoError(t, err)
	require.False(t, locked)

	_, err = holder.TryAcquire(context.Background(), key, 0)
	require.NoError(t, err)

	locked, err = observer.IsLocked(context.Background(), key)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestCloseReleasesEverything(t *testing.T) {
	t.Parallel()

	table := newLockTable()
	mgr, pool := newTestManagers(table)

	for _, key := range []int64{MonthKey(2024, 5), MonthKey(2024, 6)} {
		got, err := mgr.TryAcquire(context.Background(), key, 0)
		require.NoError(t, err)
		require.True(t, got)
	}

	mgr.Close(context.Background())
	require.Empty(t, table.held)
	for _, conn := range pool.conns {
		require.True(t, conn.released)
	}
}
