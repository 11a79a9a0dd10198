// Package alerts turns detector results and trust scores into alerts and
// lock decisions.
package alerts

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"trustd/internal/profile"
	"trustd/internal/scoring"
)

// Type classifies an alert.
type Type string

const (
	TypeBot     Type = "bot"
	TypeReplay  Type = "replay"
	TypeAnomaly Type = "anomaly"
)

// Severity of an alert.
type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Trust thresholds per sensitivity level.
const (
	ThresholdLow    = 15.0
	ThresholdMedium = 30.0
	ThresholdHigh   = 50.0
)

const (
	// LowStreakLimit is the number of consecutive low scores that raise
	// an anomaly alert.
	LowStreakLimit = 3

	// CriticalScore is the score below which anomalies are critical and
	// may lock the session.
	CriticalScore = 20.0

	// HistoryLimit bounds the persisted alert history.
	HistoryLimit = 200
)

// Alert is a single raised alert.
type Alert struct {
	ID        string   `json:"id"`
	Type      Type     `json:"type"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// Threshold maps a sensitivity setting to its trust threshold. Unknown
// values fall back to medium.
func Threshold(sensitivity string) float64 {
	switch sensitivity {
	case "low":
		return ThresholdLow
	case "high":
		return ThresholdHigh
	default:
		return ThresholdMedium
	}
}

// Input is one post-training tick's detector and scoring output.
type Input struct {
	Bot    scoring.BotResult
	Replay scoring.ReplayResult
	Score  float64
}

// Options are the settings the policy honours.
type Options struct {
	Sensitivity string
	AutoBlock   bool
}

// Decision is what the caller should do after a tick.
type Decision struct {
	Alerts    []Alert
	Lock      bool
	Threshold float64
}

// Policy applies alerting rules. It mutates only the streak and lock
// fields of the session state it is given.
type Policy struct {
	Now   func() time.Time
	NewID func() string
}

// NewPolicy returns a policy using the wall clock and random UUIDs.
func NewPolicy() *Policy {
	return &Policy{Now: time.Now, NewID: uuid.NewString}
}

func (p *Policy) newAlert(t Type, sev Severity, msg string) Alert {
	return Alert{
		ID:        p.NewID(),
		Type:      t,
		Severity:  sev,
		Message:   msg,
		Timestamp: p.Now().UnixMilli(),
	}
}

// Detections returns the alerts for positive bot and replay results. It
// does not touch session state.
func (p *Policy) Detections(bot scoring.BotResult, replay scoring.ReplayResult) []Alert {
	var out []Alert
	if bot.IsBot {
		out = append(out, p.newAlert(TypeBot, SeverityCritical,
			fmt.Sprintf("Automated input detected (confidence %d%%): %s", bot.Score, bot.Reason)))
	}
	if replay.IsReplay {
		out = append(out, p.newAlert(TypeReplay, SeverityHigh,
			"Replayed input detected: "+replay.Reason))
	}
	return out
}

// Evaluate applies the rules for one tick.
func (p *Policy) Evaluate(s *profile.State, in Input, opts Options) Decision {
	d := Decision{Threshold: Threshold(opts.Sensitivity)}
	d.Alerts = p.Detections(in.Bot, in.Replay)

	if in.Score >= d.Threshold {
		s.LowStreak = 0
		s.Locked = false
		return d
	}

	s.LowStreak++
	if s.LowStreak < LowStreakLimit {
		return d
	}

	sev := SeverityHigh
	if in.Score < CriticalScore {
		sev = SeverityCritical
	}
	d.Alerts = append(d.Alerts, p.newAlert(TypeAnomaly, sev,
		fmt.Sprintf("Behavioral anomaly detected: trust score %d", int(math.Round(in.Score)))))

	if opts.AutoBlock && in.Score < CriticalScore && !s.Locked {
		d.Lock = true
		s.Locked = true
	}
	s.LowStreak = 0
	return d
}

// History is the persisted list of recent alerts, oldest first.
type History []Alert

// Append adds alerts and keeps at most HistoryLimit of the newest.
func (h History) Append(as ...Alert) History {
	h = append(h, as...)
	if len(h) > HistoryLimit {
		h = append(History(nil), h[len(h)-HistoryLimit:]...)
	}
	return h
}

// ParseHistory decodes a stored history. An empty document is an empty
// history.
func ParseHistory(data []byte) (History, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("alerts: decode history: %w", err)
	}
	return h, nil
}
