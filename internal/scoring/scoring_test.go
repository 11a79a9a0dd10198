package scoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustd/internal/capture"
	"trustd/internal/features"
)

// Wednesday 14:00, no time adjustment.
var weekdayAfternoon = time.Date(2026, time.March, 11, 14, 0, 0, 0, time.Local)

func clockAt(t time.Time) func() time.Time { return func() time.Time { return t } }

func baselineVector() features.Vector {
	return features.Vector{
		KS: &features.Keystroke{
			DwellMedian: 90, DwellMAD: 20, DwellIQR: 30,
			FlightMedian: 110, FlightMAD: 40,
			IntervalMedian: 190, IntervalMAD: 50,
			WPM: 55, DigraphRhythm: 25,
		},
		Mouse: &features.Mouse{SpeedMean: 1.2, SpeedStd: 0.6, Curvature: 0.18, AngleEntropy: 0.55},
		Click: &features.Click{IntervalMean: 2200, DistanceMean: 340, PerMinute: 12},
	}
}

// =============================================================================
// Trust score
// =============================================================================

func TestScore_IdenticalVectorsIsFullTrust(t *testing.T) {
	s := &TrustScorer{Now: clockAt(weekdayAfternoon)}
	base := baselineVector()

	score, b, ok := s.Score(42, &base, baselineVector())
	require.True(t, ok)
	assert.Equal(t, 100.0, score)
	assert.Zero(t, b.Risk)
	require.NotNil(t, b.Keystroke)
	assert.Zero(t, *b.Keystroke)
}

func TestScore_ReturnsPreviousWithoutData(t *testing.T) {
	s := &TrustScorer{Now: clockAt(weekdayAfternoon)}
	base := baselineVector()

	tests := []struct {
		name     string
		baseline *features.Vector
		current  features.Vector
	}{
		{"no profile", nil, baselineVector()},
		{"baseline without ks or mouse", &features.Vector{Click: base.Click}, baselineVector()},
		{"current without ks or mouse", &base, features.Vector{Click: base.Click}},
		{"no overlapping channels", &features.Vector{KS: base.KS}, features.Vector{Mouse: base.Mouse}},
		{"zero baselines", &features.Vector{KS: &features.Keystroke{}}, features.Vector{KS: base.KS}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, _, ok := s.Score(63.5, tt.baseline, tt.current)
			assert.False(t, ok)
			assert.Equal(t, 63.5, score)
		})
	}
}

func TestScore_ChannelDeviation(t *testing.T) {
	s := &TrustScorer{Now: clockAt(weekdayAfternoon)}
	base := features.Vector{Mouse: &features.Mouse{SpeedMean: 1, SpeedStd: 1, Curvature: 1, AngleEntropy: 1}}

	// speedMean off by 0.325 → 0.325/0.65 = 50; the rest match.
	cur := features.Vector{Mouse: &features.Mouse{SpeedMean: 1.325, SpeedStd: 1, Curvature: 1, AngleEntropy: 1}}
	score, b, ok := s.Score(100, &base, cur)
	require.True(t, ok)
	require.NotNil(t, b.Mouse)
	assert.InDelta(t, 12.5, *b.Mouse, 1e-9)
	assert.Nil(t, b.Keystroke)
	assert.Nil(t, b.Click)
	// Only the mouse channel contributes, so its weight renormalises to 1.
	assert.InDelta(t, 87.5, score, 1e-9)
}

func TestScore_Renormalisation(t *testing.T) {
	s := &TrustScorer{Now: clockAt(weekdayAfternoon)}
	base := features.Vector{
		KS:    &features.Keystroke{DwellMedian: 100},
		Mouse: &features.Mouse{SpeedMean: 1},
	}
	// ks saturates (100), mouse matches (0): risk = 0.5*100/0.8.
	cur := features.Vector{
		KS:    &features.Keystroke{DwellMedian: 1000},
		Mouse: &features.Mouse{SpeedMean: 1},
	}
	score, b, ok := s.Score(100, &base, cur)
	require.True(t, ok)
	assert.InDelta(t, 62.5, b.Risk, 1e-9)
	assert.InDelta(t, 37.5, score, 1e-9)
}

func TestScore_ClampedAndAdjusted(t *testing.T) {
	base := features.Vector{KS: &features.Keystroke{DwellMedian: 100}}
	cur := features.Vector{KS: &features.Keystroke{DwellMedian: 5000}}

	s := &TrustScorer{Now: clockAt(weekdayAfternoon)}
	score, _, _ := s.Score(100, &base, cur)
	assert.Equal(t, 0.0, score)

	// Saturday 03:00: 0.85 * 0.90.
	s.Now = clockAt(time.Date(2026, time.March, 14, 3, 0, 0, 0, time.Local))
	score, b, _ := s.Score(100, &base, cur)
	assert.InDelta(t, 0.765, b.Adjustment, 1e-9)
	assert.InDelta(t, 23.5, score, 1e-9)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)
}

func TestTimeAdjustment(t *testing.T) {
	day := func(d, h int) time.Time { return time.Date(2026, time.March, d, h, 0, 0, 0, time.Local) }
	tests := []struct {
		name     string
		at       time.Time
		expected float64
	}{
		{"weekday afternoon", day(11, 14), 1.0},
		{"weekday late night", day(11, 23), 0.85},
		{"weekday small hours", day(11, 2), 0.85},
		{"weekday morning", day(11, 9), 0.92},
		{"weekday 05:00 is morning", day(11, 5), 0.92},
		{"weekday noon", day(11, 12), 1.0},
		{"saturday afternoon", day(14, 15), 0.90},
		{"sunday morning", day(15, 8), 0.90 * 0.92},
		{"sunday night", day(15, 22), 0.85 * 0.90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, TimeAdjustment(tt.at), 1e-9)
		})
	}
}

// =============================================================================
// Bot detection
// =============================================================================

func colinearMouse(n int) []capture.MouseSample {
	in := capture.NewIngestor()
	for i := 0; i < n; i++ {
		in.OnMouseMove(float64(i*6), float64(i*3), int64(1000+i*16))
	}
	return in.Snapshot().Mouse
}

func evenKeys(n int, interval int64) []capture.KeyEvent {
	keys := make([]capture.KeyEvent, n)
	for i := range keys {
		keys[i] = capture.KeyEvent{Code: uint16(i % 40), Press: int64(i) * interval, Dwell: 60, Nonce: "n1"}
	}
	return keys
}

func regularKeystrokes(t *testing.T, interval int64) *features.Keystroke {
	t.Helper()
	ks := features.ExtractKeystroke(evenKeys(60, interval), nil)
	require.NotNil(t, ks)
	return ks
}

func TestDetectBot_ColinearMouse(t *testing.T) {
	samples := colinearMouse(60)
	m := features.ExtractMouse(samples, nil)
	require.NotNil(t, m)

	res := DetectBot(BotInput{Mouse: m})
	assert.Equal(t, 65, res.Score)
	assert.False(t, res.IsBot)
	assert.Contains(t, res.Reason, "entropy")
	assert.Contains(t, res.Reason, "straight")

	res = DetectBot(BotInput{Mouse: m, KS: regularKeystrokes(t, 120)})
	assert.Equal(t, 90, res.Score)
	assert.True(t, res.IsBot)
	assert.Contains(t, res.Reason, "too regular")

	res = DetectBot(BotInput{Mouse: m, RecentMouse: samples})
	assert.Equal(t, 95, res.Score)
	assert.True(t, res.IsBot)
	assert.Contains(t, res.Reason, "micro-corrections")
}

func TestDetectBot_Rules(t *testing.T) {
	human := &features.Mouse{AngleEntropy: 0.6, Curvature: 0.2, TremorFreq: 7}
	humanKS := &features.Keystroke{IntervalMedian: 200, IntervalIQR: 80}
	uniformDigraphs := make(map[string][]float64)
	for i := 0; i < 10; i++ {
		uniformDigraphs[fmt.Sprintf("%d-%d", i, i+1)] = []float64{100, 100, 101}
	}

	tests := []struct {
		name   string
		input  BotInput
		score  int
		reason string
	}{
		{"human-like mouse", BotInput{Mouse: human}, 0, ""},
		{"tremor above band", BotInput{Mouse: &features.Mouse{AngleEntropy: 0.6, Curvature: 0.2, TremorFreq: 20}}, 30, "Jitter frequency"},
		{"tremor below band", BotInput{Mouse: &features.Mouse{AngleEntropy: 0.6, Curvature: 0.2, TremorFreq: 1}}, 30, "Jitter frequency"},
		{"no tremor is not scored", BotInput{Mouse: &features.Mouse{AngleEntropy: 0.6, Curvature: 0.2}}, 0, ""},
		{"human-like typing", BotInput{KS: humanKS}, 0, ""},
		{"superhuman typing", BotInput{KS: &features.Keystroke{IntervalMedian: 10, IntervalIQR: 5}}, 50, "too fast"},
		{"no usable intervals", BotInput{KS: &features.Keystroke{}}, 0, ""},
		{"fast and regular", BotInput{KS: regularKeystrokes(t, 10)}, 75, "ms); Keystroke rhythm too regular"},
		{"uniform digraphs", BotInput{KS: humanKS, Digraphs: uniformDigraphs}, 20, "Digraph"},
		{"digraphs without keystroke features", BotInput{Digraphs: uniformDigraphs}, 0, ""},
		{"straight recent mouse without mouse features", BotInput{RecentMouse: colinearMouse(29)}, 0, ""},
		{"no features on any channel", BotInput{Digraphs: uniformDigraphs, RecentMouse: colinearMouse(29)}, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := DetectBot(tt.input)
			assert.Equal(t, tt.score, res.Score)
			if tt.reason == "" {
				assert.Empty(t, res.Reason)
			} else {
				assert.Contains(t, res.Reason, tt.reason)
			}
		})
	}
}

func TestDetectBot_Capped(t *testing.T) {
	samples := colinearMouse(60)
	res := DetectBot(BotInput{
		KS:          regularKeystrokes(t, 10),
		Mouse:       features.ExtractMouse(samples, nil),
		RecentMouse: samples,
	})
	assert.Equal(t, BotScoreCap, res.Score)
	assert.True(t, res.IsBot)
}

// =============================================================================
// Replay detection
// =============================================================================

func TestDetectReplay(t *testing.T) {
	t.Run("identical intervals", func(t *testing.T) {
		res := DetectReplay(evenKeys(21, 150))
		assert.True(t, res.IsReplay)
		assert.Equal(t, ReasonIdenticalIntervals, res.Reason)
	})

	t.Run("multiple nonces", func(t *testing.T) {
		keys := evenKeys(21, 150)
		for i := 15; i < len(keys); i++ {
			keys[i].Nonce = "n2"
			keys[i].Press += int64(i * 7)
		}
		res := DetectReplay(keys)
		assert.True(t, res.IsReplay)
		assert.Equal(t, ReasonMultipleNonces, res.Reason)
	})

	t.Run("old nonce outside window", func(t *testing.T) {
		keys := evenKeys(30, 150)
		keys[0].Nonce = "old"
		for i := range keys {
			keys[i].Press += int64(i * i)
		}
		assert.False(t, DetectReplay(keys).IsReplay)
	})

	t.Run("five identical intervals is not enough", func(t *testing.T) {
		assert.False(t, DetectReplay(evenKeys(6, 150)).IsReplay)
		assert.True(t, DetectReplay(evenKeys(7, 150)).IsReplay)
	})

	t.Run("varied timing", func(t *testing.T) {
		keys := evenKeys(20, 150)
		keys[19].Press += 3
		assert.False(t, DetectReplay(keys).IsReplay)
	})

	t.Run("empty", func(t *testing.T) {
		assert.False(t, DetectReplay(nil).IsReplay)
	})
}
