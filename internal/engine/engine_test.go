package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustd/internal/alerts"
	"trustd/internal/capture"
	"trustd/internal/config"
	"trustd/internal/features"
	"trustd/internal/profile"
	"trustd/internal/store"
)

// Wednesday afternoon, where the time-of-day adjustment is neutral.
func testClock() time.Time { return time.Date(2024, 3, 13, 15, 0, 0, 0, time.Local) }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeLocker struct{ locked chan struct{} }

func (f *fakeLocker) Lock(context.Context) error {
	f.locked <- struct{}{}
	return nil
}

type harness struct {
	e   *Engine
	src *capture.SimulatedSource
	kv  *store.Memory
	rec *recorder
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{src: capture.NewSimulated(), kv: store.NewMemory(), rec: &recorder{}}
	opts := Options{
		Store:  h.kv,
		Source: h.src,
		Sinks:  []Sink{h.rec},
		UserID: "tester",
		Now:    testClock,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	h.e = e
	return h
}

// typing returns n key press/release pairs starting at start. Presses are
// spaced between step and 1.5*step ms, never at a constant interval.
func typing(start int64, n int, step int64) ([]capture.Event, int64) {
	events := make([]capture.Event, 0, 2*n)
	ts := start
	for i := 0; i < n; i++ {
		code := uint16(30 + i%5)
		events = append(events,
			capture.Event{Kind: capture.KindKeyDown, Code: code, TS: ts},
			capture.Event{Kind: capture.KindKeyUp, Code: code, TS: ts + 70 + int64(i%7)*4},
		)
		ts += step + int64((i*37)%101)*step/200
	}
	return events, ts
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestIngest_Gating(t *testing.T) {
	h := newHarness(t)
	events, _ := typing(1_000, 10, 200)

	h.e.Ingest(events)
	assert.Zero(t, h.e.Status().Counts.Keystrokes, "events before start are discarded")

	require.NoError(t, h.e.StartMonitoring())
	s := h.e.Settings()
	s.Enabled = false
	require.NoError(t, h.e.UpdateSettings(s))
	h.e.Ingest(events)
	assert.Zero(t, h.e.Status().Counts.Keystrokes, "events while disabled are discarded")

	s.Enabled = true
	require.NoError(t, h.e.UpdateSettings(s))
	h.e.Ingest(events)
	assert.Equal(t, 10, h.e.Status().Counts.Keystrokes)
}

func TestIngest_AccumulatesActiveTime(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.StartMonitoring())

	h.e.Ingest([]capture.Event{
		{Kind: capture.KindMouseMove, X: 0, Y: 0, TS: 1_000},
		{Kind: capture.KindMouseMove, X: 5, Y: 5, TS: 4_000},
		{Kind: capture.KindMouseMove, X: 9, Y: 9, TS: 30_000}, // idle gap
		{Kind: capture.KindClick, X: 9, Y: 9, TS: 31_000},
	})
	st := h.e.State()
	assert.Equal(t, int64(4_000), st.ActiveMs)
	assert.Equal(t, int64(31_000), st.LastActivity)
}

func TestTick_TrainingLifecycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.StartMonitoring())

	// Quick phase: 30 minutes of activity at ~5s per key.
	events, next := typing(1_000, 400, 5_000)
	h.e.Ingest(events)
	h.e.Tick()

	phases := h.rec.named(EventTrainingPhase)
	require.Len(t, phases, 1)
	assert.Equal(t, PhaseChange{Phase: profile.PhaseIntermediate, Previous: profile.PhaseQuick}, phases[0].Payload)
	st := h.e.State()
	assert.True(t, st.Training)
	assert.Equal(t, profile.PhaseIntermediate, st.Phase)
	assert.Zero(t, st.ActiveMs)

	require.NoError(t, h.e.Sync(context.Background()))
	_, err := h.kv.Get(context.Background(), store.KeyTraining)
	assert.NoError(t, err, "training snapshot persisted on phase change")

	// Intermediate phase: 120 minutes.
	events, _ = typing(next, 1_500, 5_000)
	h.e.Ingest(events)
	h.e.Tick()

	complete := h.rec.named(EventTrainingComplete)
	require.Len(t, complete, 1)
	summary := complete[0].Payload.(profile.Summary)
	assert.Equal(t, "tester", summary.UID)
	assert.Equal(t, 1_900, summary.Size.Keystrokes)

	st = h.e.State()
	assert.False(t, st.Training)
	assert.Equal(t, profile.PhaseComplete, st.Phase)
	assert.True(t, h.e.Status().HasProfile)

	require.NoError(t, h.e.Sync(context.Background()))
	_, err = h.kv.Get(context.Background(), store.KeyTraining)
	assert.True(t, errors.Is(err, store.ErrNotFound), "training snapshot removed on completion")
	data, err := h.kv.Get(context.Background(), store.KeyProfile)
	require.NoError(t, err)
	_, err = profile.Parse(data)
	assert.NoError(t, err)

	// Scoring the buffers the profile was built from gives full trust.
	h.rec.reset()
	h.e.Tick()
	risk := h.rec.named(EventRiskUpdate)
	require.Len(t, risk, 1)
	r := risk[0].Payload.(Risk)
	assert.True(t, r.Scored)
	assert.InDelta(t, 100.0, r.Trust, 1e-9)
	assert.Empty(t, h.rec.named(EventAlert))
}

func TestTick_StatsAlwaysEmitted(t *testing.T) {
	h := newHarness(t)
	h.e.Tick()
	stats := h.rec.named(EventStatsUpdate)
	require.Len(t, stats, 1)
	s := stats[0].Payload.(Stats)
	assert.False(t, s.Monitoring)
	assert.True(t, s.Training)
	assert.Equal(t, profile.PhaseQuick, s.Phase)
	assert.Equal(t, 100.0, s.Trust)
}

// importDistantProfile installs a profile whose keystroke baseline is far
// from anything typing() produces.
func importDistantProfile(t *testing.T, e *Engine) {
	t.Helper()
	ks := &features.Keystroke{
		DwellMedian: 5_000, DwellMAD: 5_000, DwellIQR: 5_000,
		FlightMedian: 50_000, FlightMAD: 50_000,
		IntervalMedian: 90_000, IntervalMAD: 90_000,
		WPM: 9_000, DigraphRhythm: 90_000, Samples: 100,
	}
	p := profile.Build("tester", testClock(), capture.Snapshot{}, features.Vector{KS: ks})
	data, err := p.Marshal()
	require.NoError(t, err)
	require.NoError(t, e.ImportProfile(data))
}

func TestTick_LowScoreStreakRaisesAnomalyAndLocks(t *testing.T) {
	locker := &fakeLocker{locked: make(chan struct{}, 1)}
	h := newHarness(t, func(o *Options) { o.Locker = locker })
	require.NoError(t, h.e.StartMonitoring())
	s := h.e.Settings()
	s.AutoBlock = true
	s.Notifications = false
	require.NoError(t, h.e.UpdateSettings(s))
	importDistantProfile(t, h.e)

	events, _ := typing(1_000, 80, 180)
	h.e.Ingest(events)

	h.e.Tick()
	h.e.Tick()
	assert.Empty(t, h.rec.named(EventAlert))
	assert.Equal(t, 2, h.e.State().LowStreak)

	h.e.Tick()
	raised := h.rec.named(EventAlert)
	require.Len(t, raised, 1)
	a := raised[0].Payload.(alerts.Alert)
	assert.Equal(t, alerts.TypeAnomaly, a.Type)
	assert.Equal(t, alerts.SeverityCritical, a.Severity)
	assert.Equal(t, "Behavioral anomaly detected: trust score 0", a.Message)

	select {
	case <-locker.locked:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not locked")
	}
	assert.True(t, h.e.State().Locked)
	assert.Len(t, h.e.Alerts(), 1)

	require.NoError(t, h.e.Sync(context.Background()))
	data, err := h.kv.Get(context.Background(), store.KeyAlerts)
	require.NoError(t, err)
	hist, err := alerts.ParseHistory(data)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestTick_DetectionsWithoutScoring(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.StartMonitoring())
	importDistantProfile(t, h.e)

	// Ten presses exactly 100ms apart: too few keys to score, enough to
	// look replayed. The straight mouse path stays below the mouse minimum.
	var events []capture.Event
	for i := int64(0); i < 10; i++ {
		ts := 1_000 + i*100
		events = append(events,
			capture.Event{Kind: capture.KindKeyDown, Code: 30, TS: ts},
			capture.Event{Kind: capture.KindKeyUp, Code: 30, TS: ts + 50},
		)
	}
	for i := int64(0); i < features.MinMouseSamples-1; i++ {
		events = append(events, capture.Event{Kind: capture.KindMouseMove, X: float64(i * 6), Y: float64(i * 3), TS: 3_000 + i*16})
	}
	h.e.Ingest(events)
	h.e.Tick()

	raised := h.rec.named(EventAlert)
	require.Len(t, raised, 1)
	assert.Equal(t, alerts.TypeReplay, raised[0].Payload.(alerts.Alert).Type)

	risk := h.rec.named(EventRiskUpdate)
	require.Len(t, risk, 1)
	r := risk[0].Payload.(Risk)
	assert.False(t, r.Scored)
	assert.Nil(t, r.Features.KS)
	assert.Nil(t, r.Features.Mouse)
	assert.Zero(t, r.Bot.Score)
	assert.Zero(t, h.e.State().LowStreak)
}

func TestMonitoring_StartStopIdempotent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.e.StartMonitoring())
	require.NoError(t, h.e.StartMonitoring())
	assert.True(t, h.e.Monitoring())
	assert.True(t, h.src.Running())

	require.NoError(t, h.e.StopMonitoring())
	require.NoError(t, h.e.StopMonitoring())
	assert.False(t, h.e.Monitoring())
	assert.False(t, h.src.Running())
}

func TestMonitoring_StartFailure(t *testing.T) {
	h := newHarness(t)
	h.src.FailWith(capture.ErrNotAvailable)

	err := h.e.StartMonitoring()
	require.Error(t, err)
	assert.True(t, errors.Is(err, capture.ErrNotAvailable))
	assert.False(t, h.e.Monitoring())

	failures := h.rec.named(EventMonitoringError)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Payload.(MonitoringError).Error, capture.ErrNotAvailable.Error())

	// The failure is not sticky.
	require.NoError(t, h.e.StartMonitoring())
}

func TestMonitoring_StopPersistsTraining(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.StartMonitoring())
	events, _ := typing(1_000, 60, 200)
	h.e.Ingest(events)
	require.NoError(t, h.e.StopMonitoring())
	require.NoError(t, h.e.Sync(context.Background()))

	data, err := h.kv.Get(context.Background(), store.KeyTraining)
	require.NoError(t, err)
	ts, err := profile.ParseTrainingSnapshot(data)
	require.NoError(t, err)
	assert.Len(t, ts.Buffers.Keys, 60)
	assert.Equal(t, h.e.State().ActiveMs, ts.State.ActiveMs)
}

func TestProfile_ExportImport(t *testing.T) {
	h := newHarness(t)

	_, err := h.e.ExportProfile()
	assert.True(t, errors.Is(err, ErrNoProfile))

	err = h.e.ImportProfile([]byte(`{"uid":"x","v":"2.0"}`))
	assert.True(t, errors.Is(err, profile.ErrInvalidProfile))
	assert.True(t, h.e.State().Training, "invalid import leaves training running")
	assert.Empty(t, h.rec.named(EventProfileLoaded))

	importDistantProfile(t, h.e)
	assert.False(t, h.e.State().Training)
	assert.Len(t, h.rec.named(EventProfileLoaded), 1)

	data, err := h.e.ExportProfile()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "3.0", doc["v"])
	assert.Equal(t, "tester", doc["uid"])
}

func TestProfile_ResetEqualsColdStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.StartMonitoring())
	importDistantProfile(t, h.e)
	events, _ := typing(1_000, 80, 180)
	h.e.Ingest(events)
	h.e.Tick()

	h.e.ResetProfile()

	assert.Equal(t, profile.NewState(), h.e.State())
	st := h.e.Status()
	assert.False(t, st.HasProfile)
	assert.Equal(t, capture.Counts{}, st.Counts)
	assert.True(t, st.Monitoring, "monitoring survives a reset")
	assert.Len(t, h.rec.named(EventProfileReset), 1)

	require.NoError(t, h.e.Sync(context.Background()))
	_, err := h.kv.Get(context.Background(), store.KeyProfile)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = h.kv.Get(context.Background(), store.KeyTraining)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSettings_Validation(t *testing.T) {
	h := newHarness(t)
	s := h.e.Settings()
	assert.Equal(t, config.DefaultSettings(), s)

	s.Sensitivity = "paranoid"
	err := h.e.UpdateSettings(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
	assert.Equal(t, "medium", h.e.Settings().Sensitivity)

	s.Sensitivity = "high"
	require.NoError(t, h.e.UpdateSettings(s))
	require.NoError(t, h.e.Sync(context.Background()))
	var stored config.Settings
	ok, err := store.GetJSON(context.Background(), h.kv, store.KeySettings, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "high", stored.Sensitivity)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store is a cold start", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.e.Load(ctx))
		assert.Equal(t, profile.NewState(), h.e.State())
		assert.Equal(t, config.DefaultSettings(), h.e.Settings())
	})

	t.Run("resumes training snapshot", func(t *testing.T) {
		h := newHarness(t)
		in := capture.NewIngestor()
		events, _ := typing(1_000, 20, 200)
		for _, ev := range events {
			in.Handle(ev)
		}
		st := profile.NewState()
		st.Phase = profile.PhaseIntermediate
		st.ActiveMs = 60_000
		st.LastActivity = 99_999
		st.Trust = 40
		require.NoError(t, store.SetJSON(ctx, h.kv, store.KeyTraining, profile.TrainingSnapshot{
			State: st, Buffers: in.Snapshot(), SavedAt: 1,
		}))

		require.NoError(t, h.e.Load(ctx))
		got := h.e.State()
		assert.Equal(t, profile.PhaseIntermediate, got.Phase)
		assert.Equal(t, int64(60_000), got.ActiveMs)
		assert.Zero(t, got.LastActivity)
		assert.Equal(t, profile.InitialTrust, got.Trust)
		assert.Equal(t, 20, h.e.Status().Counts.Keystrokes)
	})

	t.Run("corrupt training snapshot starts fresh", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.kv.Set(ctx, store.KeyTraining, []byte(`{"state":{"training":true,"phase":"bogus"}}`)))
		require.NoError(t, h.e.Load(ctx))
		assert.Equal(t, profile.NewState(), h.e.State())
	})

	t.Run("stored profile ends training", func(t *testing.T) {
		src := newHarness(t)
		importDistantProfile(t, src.e)
		data, err := src.e.ExportProfile()
		require.NoError(t, err)

		h := newHarness(t)
		require.NoError(t, h.kv.Set(ctx, store.KeyProfile, data))
		require.NoError(t, h.kv.Set(ctx, store.KeyTraining, []byte(`{}`)))
		require.NoError(t, h.e.Load(ctx))
		assert.False(t, h.e.State().Training)
		assert.True(t, h.e.Status().HasProfile)
		assert.Len(t, h.rec.named(EventProfileLoaded), 1)
	})

	t.Run("invalid settings fall back to defaults", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.kv.Set(ctx, store.KeySettings, []byte(`{"enabled":true,"sensitivity":"extreme"}`)))
		require.NoError(t, h.e.Load(ctx))
		assert.Equal(t, config.DefaultSettings(), h.e.Settings())
	})

	t.Run("stored settings and history are restored", func(t *testing.T) {
		h := newHarness(t)
		s := config.DefaultSettings()
		s.Sensitivity = "low"
		s.AutoBlock = true
		require.NoError(t, store.SetJSON(ctx, h.kv, store.KeySettings, s))
		require.NoError(t, store.SetJSON(ctx, h.kv, store.KeyAlerts, []alerts.Alert{{ID: "a1", Type: alerts.TypeBot}}))
		require.NoError(t, h.e.Load(ctx))
		assert.Equal(t, s, h.e.Settings())
		require.Len(t, h.e.Alerts(), 1)
		assert.Equal(t, "a1", h.e.Alerts()[0].ID)
	})
}

func TestRun_AppliesQueuedEvents(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Tick = 20 * time.Millisecond })
	require.NoError(t, h.e.StartMonitoring())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	events, _ := typing(1_000, 5, 200)
	h.src.Emit(events...)

	require.Eventually(t, func() bool {
		return h.e.Status().Counts.Keystrokes == 5
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.rec.named(EventStatsUpdate)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.StartMonitoring())
	require.NoError(t, h.e.Close())
	assert.False(t, h.src.Running())
	assert.True(t, errors.Is(h.e.StartMonitoring(), ErrClosed))
	assert.NoError(t, h.e.Close())
}
