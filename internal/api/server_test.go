package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	memorypublisher "github.com/bibliofeed/aggregator/internal/publisher/memory"
	"github.com/bibliofeed/aggregator/internal/scheduler"
	"github.com/bibliofeed/aggregator/internal/store"
)

type fakeSelector struct {
	eligible []store.MonthRecord
	seeded   int64
	counts   map[store.Status]int64
}

func (f *fakeSelector) SeedRange(context.Context, int, int, int, int) (int64, error) {
	return f.seeded, nil
}

func (f *fakeSelector) ClaimEligible(context.Context, store.ClaimFilter) ([]store.MonthRecord, error) {
	return f.eligible, nil
}

func (f *fakeSelector) SelectEligible(context.Context, store.ClaimFilter) ([]store.MonthRecord, error) {
	return f.eligible, nil
}

func (f *fakeSelector) StatusCounts(context.Context) (map[store.Status]int64, error) {
	return f.counts, nil
}

func (f *fakeSelector) RecentActivity(context.Context, int) ([]store.MonthRecord, error) {
	return nil, nil
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "job-fixed", nil }

func newTestServer(months *fakeSelector) *Server {
	sched := scheduler.New(months, memorypublisher.New(), nil, staticIDs{},
		scheduler.Config{JobTopic: "backfill-jobs", BatchSize: 20, MaxRetries: 5}, nil)
	return NewServer(sched, nil)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSelector{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestScheduleEndpoint(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{eligible: []store.MonthRecord{
		{Year: 2024, Month: 6, Status: store.StatusProcessing},
	}}
	srv := newTestServer(months)

	body := strings.NewReader(`{"limit": 1}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/backfill/schedule", body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"enqueued":1`)
	require.Contains(t, rec.Body.String(), `"job_id":"job-fixed"`)
}

func TestScheduleEndpointDryRun(t *testing.T) {
	t.Parallel()

	months := &fakeSelector{eligible: []store.MonthRecord{
		{Year: 2024, Month: 6, Status: store.StatusPending},
	}}
	srv := newTestServer(months)

	body := strings.NewReader(`{"limit": 1, "dry_run": true}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/backfill/schedule", body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"dry_run":true`)
	require.Contains(t, rec.Body.String(), `"enqueued":0`)
}

func TestScheduleEndpointRejectsBadJSON(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSelector{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/backfill/schedule", strings.NewReader("{")))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeedEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSelector{seeded: 24})
	body := strings.NewReader(`{"from_year":2022,"from_month":1,"to_year":2023,"to_month":12}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/backfill/seed", body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"inserted":24}`, rec.Body.String())
}

func TestSeedEndpointValidatesMonths(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSelector{})
	body := strings.NewReader(`{"from_year":2022,"from_month":0,"to_year":2023,"to_month":13}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/backfill/seed", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeSelector{counts: map[store.Status]int64{
		store.StatusPending: 7,
	}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/backfill/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"pending":7`)
}
