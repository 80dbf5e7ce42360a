// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/metrics"
)

// fakeSource returns queued fetch results in order, then repeats the last one.
type fakeSource struct {
	mu         sync.Mutex
	results    []fetchResult
	fetches    int
	refreshes  int
	refreshErr error
	canRefresh bool
	expiring   bool // NeedsRefresh until a refresh succeeds
}

type fetchResult struct {
	reading *Reading
	err     error
}

func (f *fakeSource) FetchCurrentPower(_ context.Context) (*Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.fetches
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.fetches++
	r := f.results[idx]
	return r.reading, r.err
}

func (f *fakeSource) RefreshToken(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr == nil {
		f.expiring = false
	}
	return f.refreshErr
}

func (f *fakeSource) CanRefresh() bool { return f.canRefresh }

func (f *fakeSource) NeedsRefresh() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiring
}

func (f *fakeSource) counts() (fetches, refreshes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.refreshes
}

type fakeSink struct {
	name     string
	err      error
	mu       sync.Mutex
	readings []*Reading
	closed   bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Write(_ context.Context, r *Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return s.err
}

func (s *fakeSink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

type fakeNotifier struct {
	alerts []error
}

func (n *fakeNotifier) SendAuthFailure(_ context.Context, err error) error {
	n.alerts = append(n.alerts, err)
	return nil
}

func (n *fakeNotifier) IsEnabled() bool { return true }

func sampleReading() *Reading {
	return &Reading{
		SiteKey:       "site-1",
		Timestamp:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PolledAt:      time.Now(),
		ProductionKW:  1.2,
		ConsumptionKW: 0.8,
		GridKW:        -0.4,
		StorageKW:     Float64(0.1),
	}
}

func authErr() error {
	return apperrors.NewAuthError("fetch current power", 401, errors.New("unauthorized"))
}

func TestPoller_TickDispatchesToAllSinks(t *testing.T) {
	reading := sampleReading()
	source := &fakeSource{results: []fetchResult{{reading: reading}}}
	csv := &fakeSink{name: "gcs"}
	pg := &fakeSink{name: "postgres"}

	p := NewPoller(source, []Sink{csv, pg}, PollerConfig{Interval: time.Minute}, nil)
	require.NoError(t, p.Tick(context.Background()))

	assert.Equal(t, 1, csv.writes())
	assert.Equal(t, 1, pg.writes())
	assert.Same(t, reading, p.LastReading())
	assert.False(t, p.LastSuccess().IsZero())
}

func TestPoller_SinkFailureIsIsolated(t *testing.T) {
	source := &fakeSource{results: []fetchResult{{reading: sampleReading()}}}
	broken := &fakeSink{name: "graphite", err: apperrors.NewSinkError("graphite", "write", errors.New("boom"))}
	healthy := &fakeSink{name: "postgres"}

	failuresBefore := testutil.ToFloat64(metrics.SinkWrites.WithLabelValues("graphite", metrics.ResultError))

	p := NewPoller(source, []Sink{broken, healthy}, PollerConfig{Interval: time.Minute}, nil)
	err := p.Tick(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.IsSinkError(err))
	assert.Equal(t, 1, healthy.writes(), "healthy sink must still receive the reading")
	assert.Equal(t, failuresBefore+1,
		testutil.ToFloat64(metrics.SinkWrites.WithLabelValues("graphite", metrics.ResultError)))
}

func TestPoller_AuthRetry(t *testing.T) {
	tests := []struct {
		name          string
		results       []fetchResult
		canRefresh    bool
		expiring      bool
		refreshErr    error
		wantErr       bool
		wantFetches   int
		wantRefreshes int
		wantAlerts    int
	}{
		{
			name:          "refresh then retry succeeds",
			results:       []fetchResult{{err: authErr()}, {reading: sampleReading()}},
			canRefresh:    true,
			wantFetches:   2,
			wantRefreshes: 1,
		},
		{
			name:        "no refresh configured",
			results:     []fetchResult{{err: authErr()}},
			wantErr:     true,
			wantFetches: 1,
		},
		{
			name:          "refresh fails",
			results:       []fetchResult{{err: authErr()}},
			canRefresh:    true,
			refreshErr:    apperrors.NewAuthError("refresh token", 401, errors.New("bad password")),
			wantErr:       true,
			wantFetches:   1,
			wantRefreshes: 1,
			wantAlerts:    1,
		},
		{
			name:          "retry rejected again",
			results:       []fetchResult{{err: authErr()}, {err: authErr()}},
			canRefresh:    true,
			wantErr:       true,
			wantFetches:   2,
			wantRefreshes: 1,
			wantAlerts:    1,
		},
		{
			name:          "expiring token refreshed before fetch",
			results:       []fetchResult{{reading: sampleReading()}},
			canRefresh:    true,
			expiring:      true,
			wantFetches:   1,
			wantRefreshes: 1,
		},
		{
			name:          "refresh before fetch fails",
			results:       []fetchResult{{reading: sampleReading()}},
			canRefresh:    true,
			expiring:      true,
			refreshErr:    apperrors.NewAuthError("refresh token", 401, errors.New("bad password")),
			wantErr:       true,
			wantFetches:   0,
			wantRefreshes: 1,
			wantAlerts:    1,
		},
		{
			name:          "rejected after refresh retries without refreshing again",
			results:       []fetchResult{{err: authErr()}, {reading: sampleReading()}},
			canRefresh:    true,
			expiring:      true,
			wantFetches:   2,
			wantRefreshes: 1,
		},
		{
			name:          "rejected twice after refresh",
			results:       []fetchResult{{err: authErr()}, {err: authErr()}},
			canRefresh:    true,
			expiring:      true,
			wantErr:       true,
			wantFetches:   2,
			wantRefreshes: 1,
			wantAlerts:    1,
		},
		{
			name:        "expiring token without refresh is still fetched",
			results:     []fetchResult{{err: authErr()}},
			expiring:    true,
			wantErr:     true,
			wantFetches: 1,
		},
		{
			name:        "transient errors are not retried",
			results:     []fetchResult{{err: apperrors.NewTransientError("fetch current power", 502, errors.New("bad gateway"))}},
			canRefresh:  true,
			wantErr:     true,
			wantFetches: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeSource{results: tt.results, canRefresh: tt.canRefresh, expiring: tt.expiring, refreshErr: tt.refreshErr}
			sink := &fakeSink{name: "postgres"}
			notifier := &fakeNotifier{}

			p := NewPoller(source, []Sink{sink}, PollerConfig{Interval: time.Minute}, notifier)
			err := p.Tick(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, 0, sink.writes(), "abandoned tick must not reach sinks")
			} else {
				assert.NoError(t, err)
				assert.Equal(t, 1, sink.writes())
			}
			fetches, refreshes := source.counts()
			assert.Equal(t, tt.wantFetches, fetches, "fetches")
			assert.Equal(t, tt.wantRefreshes, refreshes, "refreshes")
			assert.Len(t, notifier.alerts, tt.wantAlerts)
		})
	}
}

func TestPoller_AuthAlertSentOncePerOutage(t *testing.T) {
	source := &fakeSource{
		results:    []fetchResult{{err: authErr()}},
		canRefresh: true,
		refreshErr: authErr(),
	}
	notifier := &fakeNotifier{}
	p := NewPoller(source, nil, PollerConfig{Interval: time.Minute}, notifier)

	for i := 0; i < 3; i++ {
		_ = p.Tick(context.Background())
	}
	assert.Len(t, notifier.alerts, 1)

	// A successful fetch ends the outage; the next failure alerts again.
	source.results = []fetchResult{{reading: sampleReading()}, {err: authErr()}}
	source.fetches = 0
	_ = p.Tick(context.Background())
	_ = p.Tick(context.Background())
	assert.Len(t, notifier.alerts, 2)
}

func TestPoller_TickErrorMetric(t *testing.T) {
	source := &fakeSource{results: []fetchResult{{err: apperrors.NewParseError("decode response", errors.New("missing currentPower"))}}}
	before := testutil.ToFloat64(metrics.TickErrors.WithLabelValues("parse"))

	p := NewPoller(source, nil, PollerConfig{Interval: time.Minute}, nil)
	err := p.Tick(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.IsParseError(err))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.TickErrors.WithLabelValues("parse")))
	assert.Nil(t, p.LastReading())
}

func TestPoller_RunOnce(t *testing.T) {
	source := &fakeSource{results: []fetchResult{{reading: sampleReading()}}}
	sink := &fakeSink{name: "postgres"}

	p := NewPoller(source, []Sink{sink}, PollerConfig{Interval: time.Hour, Once: true}, nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run with Once should return after a single tick")
	}
	assert.Equal(t, 1, sink.writes())
}

func TestPoller_RunOnceWithFailedTick(t *testing.T) {
	source := &fakeSource{results: []fetchResult{{err: authErr()}}}
	p := NewPoller(source, nil, PollerConfig{Interval: time.Hour, Once: true}, nil)

	assert.NoError(t, p.Run(context.Background()), "failed ticks never fail the run")
}

func TestPoller_RunUntilCancelled(t *testing.T) {
	source := &fakeSource{results: []fetchResult{{reading: sampleReading()}}}
	sink := &fakeSink{name: "postgres"}
	p := NewPoller(source, []Sink{sink}, PollerConfig{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.writes() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestPoller_RunCancelledDuringSleep(t *testing.T) {
	source := &fakeSource{results: []fetchResult{{reading: sampleReading()}}}
	p := NewPoller(source, nil, PollerConfig{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		fetches, _ := source.counts()
		return fetches == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run should stop promptly when cancelled mid-sleep")
	}
	fetches, _ := source.counts()
	assert.Equal(t, 1, fetches)
}

func TestPoller_SetInterval(t *testing.T) {
	p := NewPoller(&fakeSource{}, nil, PollerConfig{Interval: 5 * time.Minute}, nil)
	assert.Equal(t, 5*time.Minute, p.Interval())

	p.SetInterval(time.Minute)
	assert.Equal(t, time.Minute, p.Interval())
}

func TestPoller_Ready(t *testing.T) {
	source := &fakeSource{results: []fetchResult{{reading: sampleReading()}}}
	p := NewPoller(source, nil, PollerConfig{Interval: time.Minute}, nil)

	assert.False(t, p.Ready(time.Now()), "not ready before the first success")

	require.NoError(t, p.Tick(context.Background()))
	assert.True(t, p.Ready(time.Now()))
	assert.False(t, p.Ready(time.Now().Add(10*time.Minute)))
}

func TestPoller_SeedLastReading(t *testing.T) {
	fetched := sampleReading()
	source := &fakeSource{results: []fetchResult{{reading: fetched}}}
	p := NewPoller(source, nil, PollerConfig{Interval: time.Minute}, nil)

	stored := sampleReading()
	assert.True(t, p.SeedLastReading(stored))
	assert.Same(t, stored, p.LastReading())
	assert.True(t, p.LastSuccess().IsZero(), "stored history is not a successful fetch")
	assert.False(t, p.Ready(time.Now()))

	require.NoError(t, p.Tick(context.Background()))
	assert.Same(t, fetched, p.LastReading())
	assert.False(t, p.SeedLastReading(sampleReading()), "a fetched reading is never replaced")
	assert.Same(t, fetched, p.LastReading())
}

func TestPoller_CloseClosesAllSinks(t *testing.T) {
	a := &fakeSink{name: "gcs"}
	b := &fakeSink{name: "postgres"}
	p := NewPoller(&fakeSource{}, []Sink{a, b}, PollerConfig{Interval: time.Minute}, nil)

	require.NoError(t, p.Close(context.Background()))
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, []string{"gcs", "postgres"}, p.SinkNames())
}
