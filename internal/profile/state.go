// Package profile implements the training state machine and the persisted
// behavior profile document.
package profile

import (
	"time"

	"trustd/internal/capture"
)

// Phase is a training stage.
type Phase string

const (
	PhaseQuick        Phase = "quick"
	PhaseIntermediate Phase = "intermediate"
	PhaseComplete     Phase = "complete"
)

// Active-time targets per phase.
const (
	QuickTarget = 30 * time.Minute
	FullTarget  = 120 * time.Minute
)

// InitialTrust is the trust score before any scoring has happened.
const InitialTrust = 100.0

// State is the mutable per-session state of the analysis loop.
type State struct {
	Training     bool    `json:"training"`
	Phase        Phase   `json:"phase"`
	ActiveMs     int64   `json:"activeMs"`
	LastActivity int64   `json:"lastActivity"`
	Trust        float64 `json:"trust"`
	LowStreak    int     `json:"lowStreak"`
	Locked       bool    `json:"locked"`
}

// NewState returns the cold-start state.
func NewState() State {
	return State{
		Training: true,
		Phase:    PhaseQuick,
		Trust:    InitialTrust,
	}
}

// Touch records an activity signal at ts. While training, the gap since
// the previous signal counts towards active time when it is shorter than
// capture.ActivityGapMs; longer gaps are idle time.
func (s *State) Touch(ts int64) {
	if s.Training && s.LastActivity > 0 {
		gap := ts - s.LastActivity
		if gap > 0 && gap < capture.ActivityGapMs {
			s.ActiveMs += gap
		}
	}
	s.LastActivity = ts
}

// Target returns the active-time goal of the current phase.
func (s State) Target() time.Duration {
	if s.Phase == PhaseQuick {
		return QuickTarget
	}
	return FullTarget
}

// Percent returns training progress within the current phase, capped at 100.
func (s State) Percent() float64 {
	if !s.Training {
		return 100
	}
	p := float64(s.ActiveMs) / float64(s.Target().Milliseconds()) * 100
	if p > 100 {
		return 100
	}
	return p
}

// ActiveSeconds returns accumulated active time in whole seconds.
func (s State) ActiveSeconds() int64 { return s.ActiveMs / 1000 }
