// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
)

// memStore is an in-memory ObjectStore that can be told to fail.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int
	gets    int
	putErr  error
	getErr  error
	closed  bool
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, puts: map[string]int{}}
}

func (m *memStore) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[name]
	if !ok {
		return nil, apperrors.ErrObjectNotFound
	}
	return data, nil
}

func (m *memStore) Put(_ context.Context, name string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[name] = append([]byte(nil), data...)
	m.puts[name]++
	return nil
}

func (m *memStore) Close() error {
	m.closed = true
	return nil
}

func (m *memStore) object(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.objects[name])
}

func (m *memStore) setPutErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

func readingAt(ts time.Time, production float64) *monitoring.Reading {
	return &monitoring.Reading{
		SiteKey:       "site",
		Timestamp:     ts,
		PolledAt:      ts,
		ProductionKW:  production,
		ConsumptionKW: 0.5,
		GridKW:        -production,
	}
}

func csvLines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

func TestDailyCSVSink_ObjectName(t *testing.T) {
	assert.Equal(t, "solar/current_power_2024-01-01.csv",
		NewDailyCSVSink(newMemStore(), DailyCSVConfig{Prefix: "solar"}).ObjectName("2024-01-01"))
	assert.Equal(t, "current_power_2024-01-01.csv",
		NewDailyCSVSink(newMemStore(), DailyCSVConfig{}).ObjectName("2024-01-01"))
}

func TestDailyCSVSink_SameDayAccumulates(t *testing.T) {
	store := newMemStore()
	sink := NewDailyCSVSink(store, DailyCSVConfig{SiteKey: "site", Prefix: "p"})
	ctx := context.Background()

	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	r1 := readingAt(t0, 1.2)
	r1.StorageKW = monitoring.Float64(-0.4)
	require.NoError(t, sink.Write(ctx, r1))
	require.NoError(t, sink.Write(ctx, readingAt(t0.Add(5*time.Minute), 2)))

	lines := csvLines(store.object("p/current_power_2024-01-01.csv"))
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,production_kw,consumption_kw,grid_kw,storage_kw", lines[0])
	assert.Equal(t, "2024-01-01T10:00:00Z,1.2,0.5,-1.2,-0.4", lines[1])
	assert.Equal(t, "2024-01-01T10:05:00Z,2,0.5,-2,", lines[2], "absent storage is an empty column")
}

func TestDailyCSVSink_SkipsDuplicateTimestamp(t *testing.T) {
	store := newMemStore()
	sink := NewDailyCSVSink(store, DailyCSVConfig{})
	ctx := context.Background()

	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(ctx, readingAt(t0, 1)))
	require.NoError(t, sink.Write(ctx, readingAt(t0, 1)))

	assert.Len(t, csvLines(store.object("current_power_2024-01-01.csv")), 2)
	assert.Equal(t, 1, store.puts["current_power_2024-01-01.csv"])
}

func TestDailyCSVSink_RolloverUploadsPriorDay(t *testing.T) {
	store := newMemStore()
	sink := NewDailyCSVSink(store, DailyCSVConfig{UploadInterval: time.Hour, PollInterval: 5 * time.Minute})
	clock := time.Date(2024, 1, 1, 23, 50, 0, 0, time.UTC)
	sink.now = func() time.Time { return clock }
	ctx := context.Background()

	// First write uploads because nothing has been uploaded yet.
	require.NoError(t, sink.Write(ctx, readingAt(clock, 1)))
	clock = clock.Add(5 * time.Minute)
	require.NoError(t, sink.Write(ctx, readingAt(clock, 2)))

	day1 := "current_power_2024-01-01.csv"
	assert.Len(t, csvLines(store.object(day1)), 2, "second row waits for the upload interval")

	clock = clock.Add(10 * time.Minute) // 00:05 on the next day
	require.NoError(t, sink.Write(ctx, readingAt(clock, 3)))

	assert.Len(t, csvLines(store.object(day1)), 3, "rollover uploads the completed prior day")
	assert.Empty(t, store.object("current_power_2024-01-02.csv"), "new day still inside the upload interval")

	require.NoError(t, sink.Close(ctx))
	assert.Len(t, csvLines(store.object("current_power_2024-01-02.csv")), 2, "close flushes the live day")
	assert.True(t, store.closed)
}

func TestDailyCSVSink_DayFollowsLocation(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	store := newMemStore()
	sink := NewDailyCSVSink(store, DailyCSVConfig{Location: loc})

	// 2024-01-02 03:00 UTC is still 2024-01-01 in UTC-8.
	require.NoError(t, sink.Write(context.Background(), readingAt(time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC), 1)))

	lines := csvLines(store.object("current_power_2024-01-01.csv"))
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "2024-01-01T19:00:00-08:00"), lines[1])
}

func TestDailyCSVSink_FailedRolloverIsRetried(t *testing.T) {
	store := newMemStore()
	sink := NewDailyCSVSink(store, DailyCSVConfig{})
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 23, 55, 0, 0, time.UTC)

	store.setPutErr(errors.New("503 backend error"))
	err := sink.Write(ctx, readingAt(t0, 1))
	require.Error(t, err)
	assert.True(t, apperrors.IsSinkError(err))

	err = sink.Write(ctx, readingAt(t0.Add(10*time.Minute), 2))
	require.Error(t, err)
	assert.Equal(t, []string{"2024-01-01"}, sink.Pending())

	store.setPutErr(nil)
	require.NoError(t, sink.Write(ctx, readingAt(t0.Add(15*time.Minute), 3)))
	assert.Empty(t, sink.Pending())
	assert.Len(t, csvLines(store.object("current_power_2024-01-01.csv")), 2)
	assert.Len(t, csvLines(store.object("current_power_2024-01-02.csv")), 3)
}

func TestDailyCSVSink_ResumeMergesExistingObject(t *testing.T) {
	store := newMemStore()
	store.objects["current_power_2024-01-01.csv"] = []byte(
		"timestamp,production_kw,consumption_kw,grid_kw,storage_kw\n" +
			"2024-01-01T09:55:00Z,0.9,0.5,-0.4,\n" +
			"2024-01-01T10:00:00Z,1,0.5,-0.5,\n")

	sink := NewDailyCSVSink(store, DailyCSVConfig{})
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(context.Background(), readingAt(t0, 1)))
	require.NoError(t, sink.Write(context.Background(), readingAt(t0.Add(5*time.Minute), 2)))

	lines := csvLines(store.object("current_power_2024-01-01.csv"))
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "2024-01-01T09:55:00Z"))
	assert.True(t, strings.HasPrefix(lines[3], "2024-01-01T10:05:00Z"))
	assert.Equal(t, 1, store.gets, "existing object is read once per day")
}

func TestDailyCSVSink_ResumeReadsLegacyColumns(t *testing.T) {
	store := newMemStore()
	store.objects["current_power_2024-01-01.csv"] = []byte(
		"ts,production,consumption,storage,grid,site_key\n" +
			"2024-01-01T09:55:00+00:00,0.9,0.5,0.1,-0.4,site\n")

	sink := NewDailyCSVSink(store, DailyCSVConfig{})
	require.NoError(t, sink.Write(context.Background(), readingAt(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), 1)))

	lines := csvLines(store.object("current_power_2024-01-01.csv"))
	require.Len(t, lines, 3)
	assert.Equal(t, "2024-01-01T09:55:00Z,0.9,0.5,-0.4,0.1", lines[1])
}

func TestDailyCSVSink_ReplaceExisting(t *testing.T) {
	store := newMemStore()
	store.objects["current_power_2024-01-01.csv"] = []byte("timestamp,production_kw,consumption_kw,grid_kw,storage_kw\n" +
		"2024-01-01T09:55:00Z,0.9,0.5,-0.4,\n")

	sink := NewDailyCSVSink(store, DailyCSVConfig{ReplaceExisting: true})
	require.NoError(t, sink.Write(context.Background(), readingAt(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), 1)))

	assert.Len(t, csvLines(store.object("current_power_2024-01-01.csv")), 2)
	assert.Equal(t, 0, store.gets, "replace mode never reads the existing object")
}

func TestDailyCSVSink_LateReadingReopensClosedDay(t *testing.T) {
	for _, replace := range []bool{false, true} {
		t.Run(fmt.Sprintf("replace=%t", replace), func(t *testing.T) {
			store := newMemStore()
			sink := NewDailyCSVSink(store, DailyCSVConfig{ReplaceExisting: replace})
			ctx := context.Background()

			midnight := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
			for _, ts := range []time.Time{
				midnight.Add(-time.Minute),
				midnight.Add(time.Minute),
				midnight.Add(-30 * time.Second),
				midnight.Add(6 * time.Minute),
			} {
				require.NoError(t, sink.Write(ctx, readingAt(ts, 1)))
			}

			day1 := csvLines(store.object("current_power_2024-01-01.csv"))
			require.Len(t, day1, 3)
			assert.Equal(t, "2024-01-01T23:59:00Z", strings.Split(day1[1], ",")[0])
			assert.Equal(t, "2024-01-01T23:59:30Z", strings.Split(day1[2], ",")[0])

			day2 := csvLines(store.object("current_power_2024-01-02.csv"))
			require.Len(t, day2, 3)
			assert.Equal(t, "2024-01-02T00:01:00Z", strings.Split(day2[1], ",")[0])
			assert.Equal(t, "2024-01-02T00:06:00Z", strings.Split(day2[2], ",")[0])

			if replace {
				assert.Equal(t, 0, store.gets)
			}
		})
	}
}

func TestDailyCSVSink_OutOfOrderReadingIsSorted(t *testing.T) {
	store := newMemStore()
	sink := NewDailyCSVSink(store, DailyCSVConfig{})
	ctx := context.Background()

	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(ctx, readingAt(t0, 1)))
	require.NoError(t, sink.Write(ctx, readingAt(t0.Add(-5*time.Minute), 2)))
	require.NoError(t, sink.Write(ctx, readingAt(t0.Add(-5*time.Minute), 3)))

	lines := csvLines(store.object("current_power_2024-01-01.csv"))
	require.Len(t, lines, 3)
	assert.Equal(t, "2024-01-01T09:55:00Z,2,0.5,-2,", lines[1])
	assert.Equal(t, "2024-01-01T10:00:00Z,1,0.5,-1,", lines[2])
}

func TestDailyCSVSink_UnreadableExistingObjectBlocksUpload(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("permission denied")

	sink := NewDailyCSVSink(store, DailyCSVConfig{})
	err := sink.Write(context.Background(), readingAt(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), 1))

	require.Error(t, err)
	assert.Empty(t, store.puts, "must not overwrite an object it could not read")
}

func TestDailyCSVSink_SpoolRecovery(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	spool, err := NewLocalSpool(dir, 0, time.UTC)
	require.NoError(t, err)

	// First run buffers rows but every upload fails.
	store := newMemStore()
	store.setPutErr(errors.New("offline"))
	first := NewDailyCSVSink(store, DailyCSVConfig{SiteKey: "site", Spool: spool})
	_ = first.Write(context.Background(), readingAt(t0, 1))
	_ = first.Write(context.Background(), readingAt(t0.Add(5*time.Minute), 2))

	// A new sink on the same spool picks the rows back up.
	store.setPutErr(nil)
	second := NewDailyCSVSink(store, DailyCSVConfig{SiteKey: "site", Spool: spool})
	require.NoError(t, second.Write(context.Background(), readingAt(t0.Add(10*time.Minute), 3)))

	assert.Len(t, csvLines(store.object("current_power_2024-01-01.csv")), 4)
}
