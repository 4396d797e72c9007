// Package quota tracks daily paid-provider consumption against a hard
// budget with a safety buffer. State lives in a shared Redis hash so every
// stateless instance sees the same counter.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bibliofeed/aggregator/internal/book"
	"github.com/bibliofeed/aggregator/internal/metrics"
)

const stateKey = "quota:daily"

// reserveScript atomically applies the UTC-date reset and, if the budget
// allows, records the reservation. Reset is date-comparison-driven rather
// than timer-driven so no cron job is needed: the first reservation after
// midnight heals the counter. Returns -1 when the reservation is denied.
var reserveScript = redis.NewScript(`
local today = ARGV[1]
local cost = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local buffer = tonumber(ARGV[4])
local apply = tonumber(ARGV[5])

local last = redis.call("HGET", KEYS[1], "last_reset")
if last ~= today then
  redis.call("HSET", KEYS[1], "used", 0, "last_reset", today)
end

local used = tonumber(redis.call("HGET", KEYS[1], "used") or "0")
if used + cost > limit - buffer then
  return -1
end
if apply == 1 then
  redis.call("HSET", KEYS[1], "used", used + cost)
end
return used + cost
`)

// releaseScript returns unused budget, guarding against the counter going
// negative and against crediting yesterday's counter after a rollover.
var releaseScript = redis.NewScript(`
local today = ARGV[1]
local cost = tonumber(ARGV[2])

local last = redis.call("HGET", KEYS[1], "last_reset")
if last ~= today then
  return 0
end
local used = tonumber(redis.call("HGET", KEYS[1], "used") or "0")
local next = used - cost
if next < 0 then
  next = 0
end
redis.call("HSET", KEYS[1], "used", next)
return next
`)

// Token represents a committed-or-releasable reservation.
type Token struct {
	ID   string
	Cost int64
	day  string
}

// Manager arbitrates the shared daily budget. It is fail-closed: if Redis
// is unreachable the answer is always "no", never "yes".
type Manager struct {
	client redis.Scripter
	clock  book.Clock
	limit  int64
	buffer int64
	logger *zap.Logger
}

// New creates a Manager with the configured hard limit and safety buffer.
func New(client redis.Scripter, clock book.Clock, limit, buffer int64, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		clock:  clock,
		limit:  limit,
		buffer: buffer,
		logger: logger,
	}
}

func (m *Manager) today() string {
	return m.clock.Now().UTC().Format(time.DateOnly)
}

// Check reports whether a reservation of cost units would currently be
// allowed, without consuming budget.
func (m *Manager) Check(ctx context.Context, cost int64) bool {
	res, err := reserveScript.Run(ctx, m.client,
		[]string{stateKey}, m.today(), cost, m.limit, m.buffer, 0).Int64()
	if err != nil {
		m.logger.Warn("quota check failed, denying", zap.Error(err))
		return false
	}
	return res >= 0
}

// Reserve consumes cost units of budget and returns a token. A denied
// reservation (budget exhausted or store unreachable) returns
// book.ErrQuotaExhausted.
func (m *Manager) Reserve(ctx context.Context, cost int64) (Token, error) {
	day := m.today()
	res, err := reserveScript.Run(ctx, m.client,
		[]string{stateKey}, day, cost, m.limit, m.buffer, 1).Int64()
	if err != nil {
		m.logger.Warn("quota reserve failed, denying", zap.Error(err))
		metrics.IncQuotaDenied()
		return Token{}, fmt.Errorf("quota store: %v: %w", err, book.ErrQuotaExhausted)
	}
	if res < 0 {
		metrics.IncQuotaDenied()
		return Token{}, book.ErrQuotaExhausted
	}
	return Token{ID: uuid.NewString(), Cost: cost, day: day}, nil
}

// Commit finalizes a reservation. The budget was consumed at Reserve time,
// so commit is bookkeeping only; it exists so call sites read as a
// reserve/commit-or-release pair.
func (m *Manager) Commit(Token) {}

// Release returns a reservation's budget after a failed call. Crossing a
// UTC-date boundary between Reserve and Release makes the release a no-op.
func (m *Manager) Release(ctx context.Context, tok Token) error {
	if tok.Cost <= 0 {
		return nil
	}
	if _, err := releaseScript.Run(ctx, m.client,
		[]string{stateKey}, tok.day, tok.Cost).Int64(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

// UsedToday reads the current counter, applying the date reset if needed.
func (m *Manager) UsedToday(ctx context.Context) (int64, error) {
	res, err := reserveScript.Run(ctx, m.client,
		[]string{stateKey}, m.today(), 0, m.limit, m.buffer, 0).Int64()
	if err != nil {
		return 0, fmt.Errorf("quota read: %w", err)
	}
	if res < 0 {
		// A denied zero-cost check means the budget is fully consumed.
		return m.limit - m.buffer, nil
	}
	return res, nil
}
