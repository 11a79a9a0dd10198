package engine

import (
	"sync"

	"trustd/internal/capture"
	"trustd/internal/features"
	"trustd/internal/profile"
	"trustd/internal/scoring"
)

// UI event names.
const (
	EventStatsUpdate      = "stats-update"
	EventRiskUpdate       = "risk-update"
	EventAlert            = "alert"
	EventTrainingPhase    = "training-phase"
	EventTrainingComplete = "training-complete"
	EventProfileLoaded    = "profile-loaded"
	EventProfileReset     = "profile-reset"
	EventMonitoringError  = "monitoring-error"
)

// Event is a named UI event with its payload.
type Event struct {
	Name    string `json:"name"`
	TS      int64  `json:"ts"`
	Payload any    `json:"payload"`
}

// Sink receives UI events. Emit must not block; it is called from the
// analysis loop.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Stats is the stats-update payload.
type Stats struct {
	Counts          capture.Counts `json:"counts"`
	Training        bool           `json:"training"`
	Phase           profile.Phase  `json:"phase"`
	ActiveSeconds   int64          `json:"activeSeconds"`
	TrainingPercent float64        `json:"trainingPercent"`
	Trust           float64        `json:"trust"`
	HasProfile      bool           `json:"hasProfile"`
	Monitoring      bool           `json:"monitoring"`
	Locked          bool           `json:"locked"`
}

// Risk is the risk-update payload.
type Risk struct {
	Trust     float64              `json:"trust"`
	Bot       scoring.BotResult    `json:"bot"`
	Replay    scoring.ReplayResult `json:"replay"`
	Features  features.Vector      `json:"features"`
	Breakdown scoring.Breakdown    `json:"breakdown"`
	Scored    bool                 `json:"scored"`
}

// PhaseChange is the training-phase payload.
type PhaseChange struct {
	Phase    profile.Phase `json:"phase"`
	Previous profile.Phase `json:"previous"`
}

// MonitoringError is the monitoring-error payload.
type MonitoringError struct {
	Error string `json:"error"`
}

// fanout delivers events to every registered sink.
type fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

func (f *fanout) add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *fanout) emit(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.Emit(ev)
	}
}
