package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/metrics"
)

type fakeTrigger struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (f *fakeTrigger) Trigger(scanID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, scanID)
	return f.err
}

func (f *fakeTrigger) triggered() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ids...)
}

// Thursday 15 October 2026, 02:30 UTC.
var thursday = time.Date(2026, 10, 15, 2, 30, 0, 0, time.UTC)

func setup(t *testing.T) (*database.DB, *fakeTrigger, *Scheduler) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "spectra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	trig := &fakeTrigger{}
	s := New(Options{DB: db, Executor: trig, Location: time.UTC})
	return db, trig, s
}

func addProject(t *testing.T, db *database.DB, sched database.Schedule, repos, targets int) *database.Project {
	t.Helper()
	p := &database.Project{Name: "acme", Schedule: sched}
	require.NoError(t, db.CreateProject(p))
	for i := 0; i < repos; i++ {
		require.NoError(t, db.AddRepository(&database.Repository{
			ProjectID: p.ID, URL: "https://github.com/acme/api", Name: "api",
		}))
	}
	for i := 0; i < targets; i++ {
		require.NoError(t, db.AddTargetURL(&database.TargetURL{ProjectID: p.ID, URL: "https://acme.test"}))
	}
	got, err := db.GetProject(p.ID)
	require.NoError(t, err)
	return got
}

func daily(at string) database.Schedule {
	return database.Schedule{Enabled: true, Frequency: database.FrequencyDaily, Time: at}
}

func TestIsDue(t *testing.T) {
	_, _, s := setup(t)
	yesterday := thursday.Add(-24 * time.Hour)
	earlierToday := thursday.Add(-2 * time.Hour)

	tests := []struct {
		name  string
		sched database.Schedule
		now   time.Time
		want  bool
	}{
		{"daily at time", daily("02:30"), thursday, true},
		{"daily wrong minute", daily("02:30"), thursday.Add(time.Minute), false},
		{"daily ran yesterday", database.Schedule{Enabled: true, Frequency: "daily", Time: "02:30", LastScheduledScan: &yesterday}, thursday, true},
		{"daily ran today", database.Schedule{Enabled: true, Frequency: "daily", Time: "02:30", LastScheduledScan: &earlierToday}, thursday, false},
		{"disabled", database.Schedule{Frequency: "daily", Time: "02:30"}, thursday, false},
		{"weekly matching day", database.Schedule{Enabled: true, Frequency: "weekly", Time: "02:30", Day: "thursday"}, thursday, true},
		{"weekly mixed case", database.Schedule{Enabled: true, Frequency: "weekly", Time: "02:30", Day: "THURSDAY"}, thursday, true},
		{"weekly other day", database.Schedule{Enabled: true, Frequency: "weekly", Time: "02:30", Day: "Monday"}, thursday, false},
		{"weekly without day", database.Schedule{Enabled: true, Frequency: "weekly", Time: "02:30"}, thursday, false},
		{"weekly ran today", database.Schedule{Enabled: true, Frequency: "weekly", Time: "02:30", Day: "Thursday", LastScheduledScan: &earlierToday}, thursday, false},
		{"unknown frequency", database.Schedule{Enabled: true, Frequency: "hourly", Time: "02:30"}, thursday, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &database.Project{ID: 1, Schedule: tt.sched}
			assert.Equal(t, tt.want, s.IsDue(p, tt.now))
		})
	}
}

func TestIsDueUsesSchedulerLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s := New(Options{Location: loc})
	p := &database.Project{Schedule: daily("04:30")}
	assert.True(t, s.IsDue(p, thursday))
}

func TestPollDailyIsIdempotent(t *testing.T) {
	db, trig, s := setup(t)
	p := addProject(t, db, daily("02:30"), 1, 0)

	started := s.Poll(thursday)
	require.Len(t, started, 1)
	assert.Equal(t, started, trig.triggered())

	// Same minute again: last_scheduled_scan already says today.
	assert.Empty(t, s.Poll(thursday))
	assert.Empty(t, s.Poll(thursday.Add(30*time.Second)))
	assert.Len(t, trig.triggered(), 1)

	got, err := db.GetProject(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Schedule.LastScheduledScan)
	assert.True(t, thursday.Equal(*got.Schedule.LastScheduledScan))

	scans, err := db.ListScansByProject(p.ID)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, database.TriggerScheduled, scans[0].Trigger)
	assert.Equal(t, database.KindCode, scans[0].Kind)

	// The next day triggers again.
	assert.Len(t, s.Poll(thursday.Add(24*time.Hour)), 1)
}

func TestPollDerivesKindFromScope(t *testing.T) {
	db, _, s := setup(t)
	code := addProject(t, db, daily("02:30"), 1, 0)
	web := addProject(t, db, daily("02:30"), 0, 1)
	both := addProject(t, db, daily("02:30"), 1, 1)
	empty := addProject(t, db, daily("02:30"), 0, 0)

	started := s.Poll(thursday)
	assert.Len(t, started, 3)

	want := map[int64]string{code.ID: database.KindCode, web.ID: database.KindWeb, both.ID: database.KindBoth}
	for id, kind := range want {
		scans, err := db.ListScansByProject(id)
		require.NoError(t, err)
		require.Len(t, scans, 1)
		assert.Equal(t, kind, scans[0].Kind)
	}

	scans, err := db.ListScansByProject(empty.ID)
	require.NoError(t, err)
	assert.Empty(t, scans)
	got, err := db.GetProject(empty.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Schedule.LastScheduledScan)
}

func TestPollCopiesProjectConfig(t *testing.T) {
	db, _, s := setup(t)
	p := &database.Project{
		Name:       "acme",
		Schedule:   daily("02:30"),
		ScanConfig: database.ScanConfig{IncludeSecrets: true, CloneDepth: 5},
	}
	require.NoError(t, db.CreateProject(p))
	require.NoError(t, db.AddRepository(&database.Repository{ProjectID: p.ID, URL: "https://github.com/acme/api", Name: "api"}))

	started := s.Poll(thursday)
	require.Len(t, started, 1)

	scan, err := db.GetScan(started[0])
	require.NoError(t, err)
	assert.True(t, scan.Config.IncludeSecrets)
	assert.Equal(t, 5, scan.Config.CloneDepth)
}

func TestPollTriggerErrorStillStampsProject(t *testing.T) {
	db, trig, s := setup(t)
	trig.err = errors.New("queue full")
	addProject(t, db, daily("02:30"), 1, 0)

	assert.Len(t, s.Poll(thursday), 1)
	assert.Empty(t, s.Poll(thursday))
}

func TestPollRecordsMetric(t *testing.T) {
	db, trig, _ := setup(t)
	reg := prometheus.NewRegistry()
	s := New(Options{DB: db, Executor: trig, Metrics: metrics.New(reg), Location: time.UTC})

	s.Poll(thursday)
	s.Poll(thursday)
	expected := `
# HELP spectra_scheduler_polls_total Scheduler poll ticks evaluated.
# TYPE spectra_scheduler_polls_total counter
spectra_scheduler_polls_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "spectra_scheduler_polls_total"))
}

func TestStartStop(t *testing.T) {
	db, trig, _ := setup(t)
	s := New(Options{DB: db, Executor: trig, Interval: 10 * time.Millisecond, Location: time.UTC})

	s.Start(context.Background())
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
	assert.Empty(t, trig.triggered())
}
