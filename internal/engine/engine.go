// Package engine is trustd's analysis context. One Engine owns the raw
// input buffers, the session state, the active profile and the settings.
// Raw events reach it through an ordered queue and are applied in arrival
// order by Run; the same goroutine runs the periodic evaluation, which is
// the only place training, scoring, detection and alerting happen.
//
// Side effects leave the loop without blocking it: store writes go
// through a bounded persistence goroutine, and OS notifications and
// session locks run on their own goroutines.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"trustd/internal/alerts"
	"trustd/internal/capture"
	"trustd/internal/config"
	"trustd/internal/features"
	"trustd/internal/logging"
	"trustd/internal/metrics"
	"trustd/internal/profile"
	"trustd/internal/scoring"
	"trustd/internal/store"
)

// DefaultTick is the evaluation cadence.
const DefaultTick = 3 * time.Second

const desktopTimeout = 10 * time.Second

var (
	// ErrNoProfile is returned by ExportProfile before training completes.
	ErrNoProfile = errors.New("engine: no profile")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
)

// Notifier delivers alerts to the desktop.
type Notifier interface {
	Notify(ctx context.Context, a alerts.Alert) error
}

// Locker locks the user session.
type Locker interface {
	Lock(ctx context.Context) error
}

// Options configures an Engine. Store and Source are required.
type Options struct {
	Store    store.KV
	Source   capture.Source
	Sinks    []Sink
	Notifier Notifier
	Locker   Locker
	Metrics  *metrics.Metrics
	Audit    *logging.AuditLogger
	Logger   *logging.Logger

	// UserID is stamped on profiles built by training.
	UserID string

	// Tick is the evaluation cadence; zero means DefaultTick.
	Tick time.Duration

	// QueueHint is the initial event queue capacity.
	QueueHint int

	// Defaults are the settings used when none are stored.
	Defaults config.Settings

	// Now overrides the wall clock.
	Now func() time.Time
}

// Engine is the single analysis context.
type Engine struct {
	mu         sync.RWMutex
	ingestor   *capture.Ingestor
	state      profile.State
	profile    *profile.Profile
	settings   config.Settings
	history    alerts.History
	monitoring bool
	closed     bool

	kv       store.KV
	source   capture.Source
	queue    *capture.Queue
	trainer  *profile.Trainer
	scorer   *scoring.TrustScorer
	policy   *alerts.Policy
	sinks    fanout
	persist  *persister
	notifier Notifier
	locker   Locker
	metrics  *metrics.Metrics
	audit    *logging.AuditLogger
	log      *logging.Logger
	tick     time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine in the cold-start state. Call Load to restore
// persisted documents before Run.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Source == nil {
		opts.Source = capture.NewSource("none", nil)
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Defaults.Sensitivity == "" {
		opts.Defaults = config.DefaultSettings()
	}
	log := opts.Logger.WithComponent("engine")

	trainer := profile.NewTrainer(opts.UserID)
	trainer.Now = opts.Now
	scorer := &scoring.TrustScorer{Now: opts.Now}
	policy := alerts.NewPolicy()
	policy.Now = opts.Now

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ingestor: capture.NewIngestor(),
		state:    profile.NewState(),
		settings: opts.Defaults,
		kv:       opts.Store,
		source:   opts.Source,
		queue:    capture.NewQueue(opts.QueueHint),
		trainer:  trainer,
		scorer:   scorer,
		policy:   policy,
		persist:  newPersister(opts.Store, log, opts.Metrics),
		notifier: opts.Notifier,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		log:      log,
		tick:     opts.Tick,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, s := range opts.Sinks {
		e.sinks.add(s)
	}
	return e, nil
}

// AddSink registers another UI event sink.
func (e *Engine) AddSink(s Sink) { e.sinks.add(s) }

// Load restores settings, profile, training progress and alert history
// from the store. Missing or corrupt documents fall back to cold-start
// values; only store read failures are returned.
func (e *Engine) Load(ctx context.Context) error {
	docs := make(map[string][]byte, 4)
	for _, key := range []string{store.KeySettings, store.KeyProfile, store.KeyTraining, store.KeyAlerts} {
		data, err := e.kv.Get(ctx, key)
		switch {
		case err == nil:
			docs[key] = data
		case errors.Is(err, store.ErrNotFound):
		case errors.Is(err, store.ErrSealed):
			e.log.Warn("stored document cannot be opened, ignoring", "document", key, "error", err)
		default:
			return fmt.Errorf("load %s: %w", key, err)
		}
	}

	settings, haveSettings := e.decodeSettings(docs[store.KeySettings])

	var loaded *profile.Profile
	if data, ok := docs[store.KeyProfile]; ok {
		p, err := profile.Parse(data)
		if err != nil {
			e.log.Warn("stored profile invalid, starting training", "error", err)
		} else {
			loaded = p
		}
	}

	e.mu.Lock()
	if haveSettings {
		e.settings = settings
	}
	switch data, ok := docs[store.KeyTraining]; {
	case loaded != nil:
		e.installProfileLocked(loaded)
	case ok:
		ts, err := profile.ParseTrainingSnapshot(data)
		if err != nil {
			e.log.Warn("training snapshot unusable, starting fresh", "error", err)
			break
		}
		e.state = ts.State
		e.state.LastActivity = 0
		e.state.Trust = profile.InitialTrust
		e.ingestor.Restore(ts.Buffers)
		e.log.Info("resumed training", "phase", e.state.Phase, "active_seconds", e.state.ActiveSeconds())
	}
	if data, ok := docs[store.KeyAlerts]; ok {
		h, err := alerts.ParseHistory(data)
		if err != nil {
			e.log.Warn("alert history unreadable, starting empty", "error", err)
		}
		e.history = h
	}
	e.mu.Unlock()

	if loaded != nil {
		e.log.Info("profile loaded", "created_at", loaded.CreatedAt)
		e.emit(EventProfileLoaded, loaded.Summary())
	}
	return nil
}

func (e *Engine) decodeSettings(data []byte) (config.Settings, bool) {
	if data == nil {
		return config.Settings{}, false
	}
	var s config.Settings
	if err := json.Unmarshal(data, &s); err != nil {
		e.log.Warn("stored settings unreadable, using defaults", "error", err)
		return config.Settings{}, false
	}
	if verrs := config.ValidateSettings(s); verrs.HasErrors() {
		e.log.Warn("stored settings invalid, using defaults", "error", verrs.Error())
		return config.Settings{}, false
	}
	return s, true
}

// installProfileLocked makes p the active profile and leaves training.
func (e *Engine) installProfileLocked(p *profile.Profile) {
	e.profile = p
	e.state.Training = false
	e.state.Phase = profile.PhaseComplete
	e.state.ActiveMs = 0
	e.state.Trust = profile.InitialTrust
	e.state.LowStreak = 0
	e.state.Locked = false
}

// Run applies queued events and evaluates on every tick until ctx is
// cancelled or the engine is closed.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.log.Info("analysis loop started", "tick", e.tick)
	for {
		select {
		case <-ctx.Done():
			e.Ingest(e.queue.Drain())
			return nil
		case <-e.ctx.Done():
			return nil
		case <-e.queue.Ready():
			e.Ingest(e.queue.Drain())
		case <-ticker.C:
			// Apply everything captured before this tick first.
			e.Ingest(e.queue.Drain())
			e.Tick()
		}
	}
}

// Ingest applies raw events in order. Events are discarded while
// monitoring is off or the enabled setting is false.
func (e *Engine) Ingest(events []capture.Event) {
	if len(events) == 0 {
		return
	}
	e.metrics.RecordBatch(len(events))

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case !e.monitoring:
		e.metrics.RecordGated("stopped", len(events))
		return
	case !e.settings.Enabled:
		e.metrics.RecordGated("disabled", len(events))
		return
	}
	for _, ev := range events {
		e.ingestor.Handle(ev)
		e.state.Touch(ev.TS)
		e.metrics.RecordEvent(channel(ev.Kind))
	}
}

func channel(k capture.Kind) string {
	switch k {
	case capture.KindKeyDown, capture.KindKeyUp:
		return "keyboard"
	case capture.KindMouseMove:
		return "mouse"
	case capture.KindClick:
		return "click"
	case capture.KindWheel:
		return "wheel"
	default:
		return "unknown"
	}
}

// tickOutcome collects what an evaluation produced so it can be delivered
// after the lock is released.
type tickOutcome struct {
	events []Event
	alerts []alerts.Alert
	notify bool
	lock   bool
}

func (o *tickOutcome) add(name string, ts int64, payload any) {
	o.events = append(o.events, Event{Name: name, TS: ts, Payload: payload})
}

// Tick runs one periodic evaluation.
func (e *Engine) Tick() {
	start := time.Now()

	e.mu.Lock()
	out := e.evaluateLocked()
	trust, pct := e.state.Trust, e.state.Percent()
	e.mu.Unlock()

	e.metrics.RecordTick(time.Since(start), trust, pct)
	e.deliver(out)
}

func (e *Engine) evaluateLocked() tickOutcome {
	var out tickOutcome
	ts := e.now().UnixMilli()

	if e.monitoring && e.settings.Enabled && !e.closed {
		if e.state.Training {
			e.trainLocked(&out, ts)
		} else if e.profile != nil {
			e.scoreLocked(&out, ts)
		}
	}

	out.add(EventStatsUpdate, ts, e.statsLocked())
	return out
}

func (e *Engine) trainLocked(out *tickOutcome, ts int64) {
	prev := e.state.Phase
	res := e.trainer.Evaluate(&e.state, e.ingestor.Snapshot)

	switch res.Step {
	case profile.StepPhaseAdvanced:
		e.log.Info("training phase advanced", "from", prev, "to", e.state.Phase)
		out.add(EventTrainingPhase, ts, PhaseChange{Phase: e.state.Phase, Previous: prev})
		e.saveTrainingLocked()
	case profile.StepCompleted:
		e.profile = res.Profile
		e.state.Trust = profile.InitialTrust
		// The training snapshot goes only once the profile is stored.
		e.persist.commit(
			docWrite{key: store.KeyProfile, value: res.Profile},
			docWrite{key: store.KeyTraining, delete: true},
		)
		summary := res.Profile.Summary()
		e.log.Info("training complete", "keystrokes", summary.Size.Keystrokes, "mouse", summary.Size.Mouse)
		e.audit.Record(logging.AuditProfileCreated, nil, map[string]any{
			"keystrokes": summary.Size.Keystrokes,
			"mouse":      summary.Size.Mouse,
			"clicks":     summary.Size.Clicks,
		})
		out.add(EventTrainingComplete, ts, summary)
	case profile.StepDeferred:
		e.log.Debug("training completion deferred, not enough samples")
		e.saveTrainingLocked()
	default:
		e.saveTrainingLocked()
	}
}

func (e *Engine) scoreLocked(out *tickOutcome, ts int64) {
	snap := e.ingestor.Snapshot()
	vec := features.Extract(snap)

	score, breakdown, scored := e.scorer.Score(e.state.Trust, &e.profile.Features, vec)
	bot := scoring.DetectBot(scoring.BotInput{
		KS:          vec.KS,
		Mouse:       vec.Mouse,
		Digraphs:    snap.Digraphs,
		RecentMouse: snap.Mouse,
	})
	replay := scoring.DetectReplay(e.ingestor.RecentKeys(scoring.ReplayWindow))
	e.metrics.RecordBotScore(bot.Score)

	var raised []alerts.Alert
	if scored {
		e.state.Trust = score
		d := e.policy.Evaluate(&e.state, alerts.Input{Bot: bot, Replay: replay, Score: score}, alerts.Options{
			Sensitivity: e.settings.Sensitivity,
			AutoBlock:   e.settings.AutoBlock,
		})
		raised = d.Alerts
		out.lock = d.Lock
	} else {
		raised = e.policy.Detections(bot, replay)
	}

	if len(raised) > 0 {
		e.history = e.history.Append(raised...)
		e.persist.save(store.KeyAlerts, append(alerts.History(nil), e.history...))
		out.alerts = raised
		out.notify = e.settings.Notifications
		for _, a := range raised {
			out.add(EventAlert, ts, a)
		}
	}

	out.add(EventRiskUpdate, ts, Risk{
		Trust:     e.state.Trust,
		Bot:       bot,
		Replay:    replay,
		Features:  vec,
		Breakdown: breakdown,
		Scored:    scored,
	})
}

func (e *Engine) saveTrainingLocked() {
	if !e.state.Training {
		return
	}
	e.persist.save(store.KeyTraining, profile.TrainingSnapshot{
		State:   e.state,
		Buffers: e.ingestor.Snapshot(),
		SavedAt: e.now().UnixMilli(),
	})
}

// deliver emits events and starts desktop side effects.
func (e *Engine) deliver(out tickOutcome) {
	for _, ev := range out.events {
		e.sinks.emit(ev)
	}

	for _, a := range out.alerts {
		e.log.Warn("alert raised", "type", a.Type, "severity", a.Severity, "message", a.Message)
		e.metrics.RecordAlert(string(a.Type), string(a.Severity))
		e.audit.Record(logging.AuditAlert, nil, map[string]any{
			"id":       a.ID,
			"type":     string(a.Type),
			"severity": string(a.Severity),
		})
		if out.notify && e.notifier != nil {
			go e.notifyAlert(a)
		}
	}

	if out.lock {
		e.metrics.RecordLock()
		if e.locker != nil {
			go e.lockSession()
		}
	}
}

func (e *Engine) notifyAlert(a alerts.Alert) {
	ctx, cancel := context.WithTimeout(e.ctx, desktopTimeout)
	defer cancel()
	if err := e.notifier.Notify(ctx, a); err != nil {
		e.log.Warn("desktop notification failed", "error", err)
	}
}

func (e *Engine) lockSession() {
	ctx, cancel := context.WithTimeout(e.ctx, desktopTimeout)
	defer cancel()
	err := e.locker.Lock(ctx)
	if err != nil {
		e.log.Error("session lock failed", "error", err)
	} else {
		e.log.Warn("session locked after critical anomaly")
	}
	e.audit.Record(logging.AuditSessionLock, err, nil)
}

func (e *Engine) emit(name string, payload any) {
	e.sinks.emit(Event{Name: name, TS: e.now().UnixMilli(), Payload: payload})
}

func (e *Engine) statsLocked() Stats {
	return Stats{
		Counts:          e.ingestor.Counts(),
		Training:        e.state.Training,
		Phase:           e.state.Phase,
		ActiveSeconds:   e.state.ActiveSeconds(),
		TrainingPercent: e.state.Percent(),
		Trust:           e.state.Trust,
		HasProfile:      e.profile != nil,
		Monitoring:      e.monitoring,
		Locked:          e.state.Locked,
	}
}

// Status returns the current stats-update payload.
func (e *Engine) Status() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.statsLocked()
}

// State returns a copy of the session state.
func (e *Engine) State() profile.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Monitoring reports whether capture is running.
func (e *Engine) Monitoring() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.monitoring
}

// StartMonitoring starts the capture source. Starting while already
// monitoring is a no-op. A capture failure leaves monitoring off, is
// emitted as monitoring-error and returned.
func (e *Engine) StartMonitoring() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.monitoring {
		e.mu.Unlock()
		return nil
	}
	err := e.source.Start(e.ctx, e.queue)
	if err == nil {
		e.monitoring = true
	}
	e.mu.Unlock()

	e.audit.Record(logging.AuditMonitoringStart, err, nil)
	if err != nil {
		_, reason := e.source.Available()
		e.log.Error("capture failed to start", "error", err, "reason", reason)
		e.emit(EventMonitoringError, MonitoringError{Error: err.Error()})
		return fmt.Errorf("start capture: %w", err)
	}
	e.metrics.SetMonitoring(true)
	e.log.Info("monitoring started")
	return nil
}

// StopMonitoring releases the capture source. Stopping while stopped is a
// no-op. Training progress is saved.
func (e *Engine) StopMonitoring() error {
	e.mu.Lock()
	if !e.monitoring {
		e.mu.Unlock()
		return nil
	}
	e.monitoring = false
	err := e.source.Stop()
	e.saveTrainingLocked()
	e.mu.Unlock()

	e.metrics.SetMonitoring(false)
	e.audit.Record(logging.AuditMonitoringStop, err, nil)
	if err != nil {
		e.log.Warn("capture stop failed", "error", err)
		return fmt.Errorf("stop capture: %w", err)
	}
	e.log.Info("monitoring stopped")
	return nil
}

// ExportProfile returns the active profile document.
func (e *Engine) ExportProfile() ([]byte, error) {
	e.mu.RLock()
	p := e.profile
	e.mu.RUnlock()
	if p == nil {
		return nil, ErrNoProfile
	}
	data, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	e.audit.Record(logging.AuditProfileExport, nil, nil)
	return data, nil
}

// ImportProfile validates data and makes it the active profile, ending
// any training run. An invalid document leaves the engine unchanged.
func (e *Engine) ImportProfile(data []byte) error {
	p, err := profile.Parse(data)
	if err != nil {
		e.audit.Record(logging.AuditProfileImport, err, nil)
		return err
	}

	e.mu.Lock()
	e.installProfileLocked(p)
	e.persist.commit(
		docWrite{key: store.KeyProfile, value: p},
		docWrite{key: store.KeyTraining, delete: true},
	)
	e.mu.Unlock()

	summary := p.Summary()
	e.log.Info("profile imported", "keystrokes", summary.Size.Keystrokes, "mouse", summary.Size.Mouse)
	e.audit.Record(logging.AuditProfileImport, nil, map[string]any{"uid": summary.UID})
	e.emit(EventProfileLoaded, summary)
	return nil
}

// ResetProfile discards the profile, training progress and buffers and
// starts training from the quick phase. Alert history and the monitoring
// flag are kept.
func (e *Engine) ResetProfile() {
	e.mu.Lock()
	e.profile = nil
	e.state = profile.NewState()
	e.ingestor.Reset()
	e.persist.remove(store.KeyProfile, store.KeyTraining)
	e.mu.Unlock()

	e.log.Info("profile reset, training restarted")
	e.audit.Record(logging.AuditProfileReset, nil, nil)
	e.emit(EventProfileReset, nil)
}

// Settings returns the active settings.
func (e *Engine) Settings() config.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// UpdateSettings validates and applies s, then persists it.
func (e *Engine) UpdateSettings(s config.Settings) error {
	if verrs := config.ValidateSettings(s); verrs.HasErrors() {
		return verrs.Errors()
	}

	e.mu.Lock()
	prev := e.settings
	e.settings = s
	e.persist.save(store.KeySettings, s)
	e.mu.Unlock()

	if prev != s {
		e.log.Info("settings updated", "enabled", s.Enabled, "sensitivity", s.Sensitivity, "auto_block", s.AutoBlock)
		e.audit.Record(logging.AuditSettingsChange, nil, map[string]any{
			"enabled":     s.Enabled,
			"sensitivity": s.Sensitivity,
		})
	}
	return nil
}

// Alerts returns a copy of the alert history, oldest first.
func (e *Engine) Alerts() []alerts.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]alerts.Alert(nil), e.history...)
}

// Sync waits until every store write requested so far has been attempted.
func (e *Engine) Sync(ctx context.Context) error {
	return e.persist.sync(ctx)
}

// Close stops monitoring, flushes pending writes and ends Run.
func (e *Engine) Close() error {
	err := e.StopMonitoring()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.queue.Close()
	e.persist.close()
	e.cancel()
	return err
}
