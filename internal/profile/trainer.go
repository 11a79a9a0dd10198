package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trustd/internal/capture"
	"trustd/internal/features"
)

// Step is the outcome of a training evaluation.
type Step int

const (
	StepProgress Step = iota
	StepPhaseAdvanced
	StepCompleted
	StepDeferred
)

func (s Step) String() string {
	switch s {
	case StepProgress:
		return "progress"
	case StepPhaseAdvanced:
		return "phase-advanced"
	case StepCompleted:
		return "completed"
	case StepDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Result reports what a training tick did.
type Result struct {
	Step    Step
	Percent float64
	Profile *Profile
}

// Trainer drives the quick → intermediate → complete state machine.
type Trainer struct {
	UserID string
	Now    func() time.Time
}

// NewTrainer creates a trainer that stamps profiles with userID.
func NewTrainer(userID string) *Trainer {
	return &Trainer{UserID: userID, Now: time.Now}
}

// Evaluate advances the state machine by one tick. snap is only consulted
// when the intermediate target has been reached.
func (t *Trainer) Evaluate(s *State, snap func() capture.Snapshot) Result {
	if !s.Training {
		return Result{Step: StepProgress, Percent: 100}
	}

	pct := s.Percent()
	if pct < 100 {
		return Result{Step: StepProgress, Percent: pct}
	}

	if s.Phase == PhaseQuick {
		s.ActiveMs = 0
		s.Phase = PhaseIntermediate
		return Result{Step: StepPhaseAdvanced, Percent: 0}
	}

	buffers := snap()
	vec := features.Extract(buffers)
	if vec.KS == nil && vec.Mouse == nil {
		return Result{Step: StepDeferred, Percent: pct}
	}

	p := Build(t.UserID, t.Now(), buffers, vec)
	s.Training = false
	s.Phase = PhaseComplete
	return Result{Step: StepCompleted, Percent: 100, Profile: p}
}

// TrainingSnapshot is the persisted progress of an unfinished training
// run, including the buffered samples so a restart resumes with its data.
type TrainingSnapshot struct {
	State   State            `json:"state"`
	Buffers capture.Snapshot `json:"buffers"`
	SavedAt int64            `json:"savedAt"`
}

var errBadSnapshot = errors.New("profile: bad training snapshot")

// ParseTrainingSnapshot decodes a snapshot and rejects ones that cannot
// describe an in-progress training run.
func ParseTrainingSnapshot(data []byte) (*TrainingSnapshot, error) {
	var ts TrainingSnapshot
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadSnapshot, err)
	}
	if !ts.State.Training {
		return nil, fmt.Errorf("%w: not training", errBadSnapshot)
	}
	if ts.State.Phase != PhaseQuick && ts.State.Phase != PhaseIntermediate {
		return nil, fmt.Errorf("%w: phase %q", errBadSnapshot, ts.State.Phase)
	}
	if ts.State.ActiveMs < 0 {
		return nil, fmt.Errorf("%w: negative active time", errBadSnapshot)
	}
	return &ts, nil
}
