package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	memorypublisher "github.com/bibliofeed/aggregator/internal/publisher/memory"
	"github.com/bibliofeed/aggregator/internal/queue"
	queuememory "github.com/bibliofeed/aggregator/internal/queue/memory"
	"github.com/bibliofeed/aggregator/internal/store"
)

type fakeSelector struct {
	eligible   []store.MonthRecord
	lastFilter store.ClaimFilter
	claims     int
	selects    int
	seeded     int64
	counts     map[store.Status]int64
	recent     []store.MonthRecord
	err        error
}

func (f *fakeSelector) SeedRange(_ context.Context, _, _, _, _ int) (int64, error) {
	return f.seeded, f.err
}

func (f *fakeSelector) ClaimEligible(_ context.Context, filter store.ClaimFilter) ([]store.MonthRecord, error) {
	f.claims++
	f.lastFilter = filter
	return f.eligible, f.err
}

func (f *fakeSelector) SelectEligible(_ context.Context, filter store.ClaimFilter) ([]store.MonthRecord, error) {
	f.selects++
	f.lastFilter = filter
	return f.eligible, f.err
}

func (f *fakeSelector) StatusCounts(context.Context) (map[store.Status]int64, error) {
	return f.counts, f.err
}

func (f *fakeSelector) RecentActivity(context.Context, int) ([]store.MonthRecord, error) {
	return f.recent, f.err
}

type sequentialIDs struct {
	n int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

func newTestScheduler(months *fakeSelector, local queue.Queue) (*Scheduler, *memorypublisher.Publisher) {
	pub := memorypublisher.New()
	cfg := Config{JobTopic: "backfill-jobs", BatchSize: 20, PromptVariant: "obscure", MaxRetries: 5}
	return New(months, pub, local, &sequentialIDs{}, cfg, nil), pub
}

func TestSchedulePublishesOneMessagePerClaim(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{eligible: []store.MonthRecord{
		{Year: 2024, Month: 6, Status: store.StatusProcessing},
		{Year: 2024, Month: 5, Status: store.StatusProcessing, RetryCount: 1},
	}}
	local := queuememory.NewQueue(4)
	sched, pub := newTestScheduler(months, local)

	resp, err := sched.Schedule(context.Background(), Request{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Requested)
	require.Len(t, resp.Selected, 2)
	require.Equal(t, 2, resp.Enqueued)
	require.False(t, resp.DryRun)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "backfill-jobs", msgs[0].Topic)

	job, err := local.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", job.JobID)
	require.Equal(t, 2024, job.Year)
	require.Equal(t, 6, job.Month)
	require.Equal(t, 20, job.BatchSize)
	require.Equal(t, "obscure", job.PromptVariant)
}

func TestScheduleDefaultsLimitToOne(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{}
	sched, _ := newTestScheduler(months, nil)

	resp, err := sched.Schedule(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Requested)
	require.Equal(t, 1, months.lastFilter.Limit)
}

func TestSchedulePassesFilterThrough(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{}
	sched, _ := newTestScheduler(months, nil)

	_, err := sched.Schedule(context.Background(), Request{
		Limit: 7, YearFrom: 1990, YearTo: 1999, ForceRetry: true,
	})
	require.NoError(t, err)
	require.Equal(t, store.ClaimFilter{
		Limit: 7, YearFrom: 1990, YearTo: 1999, ForceRetry: true, MaxRetries: 5,
	}, months.lastFilter)
}

func TestScheduleDryRunSelectsWithoutClaimingOrPublishing(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{eligible: []store.MonthRecord{
		{Year: 2024, Month: 6, Status: store.StatusPending},
	}}
	sched, pub := newTestScheduler(months, nil)

	resp, err := sched.Schedule(context.Background(), Request{Limit: 1, DryRun: true})
	require.NoError(t, err)
	require.True(t, resp.DryRun)
	require.Len(t, resp.Selected, 1)
	require.Empty(t, resp.Selected[0].JobID)
	require.Zero(t, resp.Enqueued)
	require.Zero(t, months.claims)
	require.Equal(t, 1, months.selects)
	require.Empty(t, pub.Messages())
}

func TestScheduleNothingEligible(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{}
	sched, pub := newTestScheduler(months, nil)

	resp, err := sched.Schedule(context.Background(), Request{Limit: 5})
	require.NoError(t, err)
	require.Empty(t, resp.Selected)
	require.Zero(t, resp.Enqueued)
	require.Empty(t, pub.Messages())
}

func TestScheduleSelectionErrorSurfaces(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{err: errors.New("connection reset")}
	sched, _ := newTestScheduler(months, nil)

	_, err := sched.Schedule(context.Background(), Request{Limit: 1})
	require.ErrorContains(t, err, "claim months")
}

func TestSeedReportsInsertedRows(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{seeded: 36}
	sched, _ := newTestScheduler(months, nil)

	inserted, err := sched.Seed(context.Background(), 2021, 1, 2023, 12)
	require.NoError(t, err)
	require.Equal(t, int64(36), inserted)
}

func TestStatusAggregatesCountsAndActivity(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{
		counts: map[store.Status]int64{store.StatusPending: 10, store.StatusCompleted: 3},
		recent: []store.MonthRecord{{Year: 2024, Month: 6, Status: store.StatusCompleted}},
	}
	sched, _ := newTestScheduler(months, nil)

	report, err := sched.Status(context.Background(), 20)
	require.NoError(t, err)
	require.Equal(t, int64(10), report.Counts[store.StatusPending])
	require.Len(t, report.Recent, 1)
}
