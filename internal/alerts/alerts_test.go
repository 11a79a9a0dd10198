package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustd/internal/profile"
	"trustd/internal/scoring"
)

func testPolicy() *Policy {
	n := 0
	return &Policy{
		Now: func() time.Time { return time.UnixMilli(1_700_000_000_000) },
		NewID: func() string {
			n++
			return fmt.Sprintf("alert-%d", n)
		},
	}
}

func postTraining() profile.State {
	s := profile.NewState()
	s.Training = false
	s.Phase = profile.PhaseComplete
	return s
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, 15.0, Threshold("low"))
	assert.Equal(t, 30.0, Threshold("medium"))
	assert.Equal(t, 50.0, Threshold("high"))
	assert.Equal(t, 30.0, Threshold(""))
}

func TestEvaluate_DetectorAlerts(t *testing.T) {
	p := testPolicy()
	s := postTraining()

	d := p.Evaluate(&s, Input{
		Bot:    scoring.BotResult{Score: 90, IsBot: true, Reason: "Mouse paths are perfectly straight"},
		Replay: scoring.ReplayResult{IsReplay: true, Reason: scoring.ReasonIdenticalIntervals},
		Score:  95,
	}, Options{Sensitivity: "medium"})

	require.Len(t, d.Alerts, 2)
	assert.Equal(t, TypeBot, d.Alerts[0].Type)
	assert.Equal(t, SeverityCritical, d.Alerts[0].Severity)
	assert.Contains(t, d.Alerts[0].Message, "perfectly straight")
	assert.Equal(t, TypeReplay, d.Alerts[1].Type)
	assert.Equal(t, SeverityHigh, d.Alerts[1].Severity)
	assert.Equal(t, "alert-1", d.Alerts[0].ID)
	assert.Equal(t, int64(1_700_000_000_000), d.Alerts[1].Timestamp)
	assert.False(t, d.Lock)
}

func TestDetections_NoStateChange(t *testing.T) {
	p := testPolicy()
	assert.Empty(t, p.Detections(scoring.BotResult{Score: 40}, scoring.ReplayResult{}))

	got := p.Detections(scoring.BotResult{}, scoring.ReplayResult{IsReplay: true, Reason: scoring.ReasonMultipleNonces})
	require.Len(t, got, 1)
	assert.Equal(t, "Replayed input detected: Multiple session nonces", got[0].Message)
}

func TestEvaluate_LowStreak(t *testing.T) {
	p := testPolicy()
	s := postTraining()
	opts := Options{Sensitivity: "medium"}

	d := p.Evaluate(&s, Input{Score: 25}, opts)
	assert.Empty(t, d.Alerts)
	assert.Equal(t, 1, s.LowStreak)

	// A score at the threshold resets the streak.
	p.Evaluate(&s, Input{Score: 30}, opts)
	assert.Zero(t, s.LowStreak)

	p.Evaluate(&s, Input{Score: 25}, opts)
	p.Evaluate(&s, Input{Score: 24}, opts)
	d = p.Evaluate(&s, Input{Score: 22.6}, opts)
	require.Len(t, d.Alerts, 1)
	assert.Equal(t, TypeAnomaly, d.Alerts[0].Type)
	assert.Equal(t, SeverityHigh, d.Alerts[0].Severity)
	assert.Equal(t, "Behavioral anomaly detected: trust score 23", d.Alerts[0].Message)
	assert.Zero(t, s.LowStreak)
	assert.False(t, d.Lock)
}

func TestEvaluate_CriticalAnomalyLocks(t *testing.T) {
	tests := []struct {
		name      string
		autoBlock bool
		locked    bool
		wantLock  bool
	}{
		{"auto block locks", true, false, true},
		{"already locked", true, true, false},
		{"auto block off", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy()
			s := postTraining()
			s.Locked = tt.locked
			opts := Options{Sensitivity: "high", AutoBlock: tt.autoBlock}

			var d Decision
			for i := 0; i < LowStreakLimit; i++ {
				d = p.Evaluate(&s, Input{Score: 10}, opts)
			}
			require.Len(t, d.Alerts, 1)
			assert.Equal(t, SeverityCritical, d.Alerts[0].Severity)
			assert.Equal(t, tt.wantLock, d.Lock)
			assert.Equal(t, tt.locked || tt.wantLock, s.Locked)
		})
	}
}

func TestEvaluate_RecoveryClearsLock(t *testing.T) {
	p := testPolicy()
	s := postTraining()
	s.Locked = true
	s.LowStreak = 2

	p.Evaluate(&s, Input{Score: 80}, Options{Sensitivity: "low"})
	assert.False(t, s.Locked)
	assert.Zero(t, s.LowStreak)
}

func TestHistory_Bounded(t *testing.T) {
	var h History
	for i := 0; i < HistoryLimit+25; i++ {
		h = h.Append(Alert{ID: fmt.Sprintf("a%d", i)})
	}
	require.Len(t, h, HistoryLimit)
	assert.Equal(t, "a25", h[0].ID)
	assert.Equal(t, fmt.Sprintf("a%d", HistoryLimit+24), h[len(h)-1].ID)

	h2, err := ParseHistory(nil)
	require.NoError(t, err)
	assert.Empty(t, h2)

	_, err = ParseHistory([]byte("{"))
	assert.Error(t, err)
}
