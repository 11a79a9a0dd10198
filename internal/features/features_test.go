package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustd/internal/capture"
)

// =============================================================================
// Statistical calculation tests
// =============================================================================

func TestMedian(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		expected float64
	}{
		{"empty slice", nil, 0},
		{"single value", []float64{5}, 5},
		{"two values", []float64{1, 3}, 2},
		{"odd count", []float64{1, 2, 3}, 2},
		{"even count", []float64{1, 2, 3, 4}, 2.5},
		{"unsorted input", []float64{5, 1, 3, 2, 4}, 3},
		{"all same values", []float64{7, 7, 7, 7}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Median(tt.values), 1e-9)
		})
	}
}

func TestRobustStatistics_WorkedExample(t *testing.T) {
	dwell := []float64{10, 20, 20, 30, 100}

	assert.Equal(t, 20.0, Median(dwell))
	assert.InDelta(t, 14.826, MAD(dwell), 1e-9)

	p25, p75, iqr := Quartiles(dwell)
	assert.InDelta(t, 20.0, p25, 1e-9)
	assert.InDelta(t, 30.0, p75, 1e-9)
	assert.InDelta(t, 10.0, iqr, 1e-9)
}

func TestPercentile_LinearInterpolation(t *testing.T) {
	values := []float64{100, 10, 30, 20, 20}
	tests := []struct {
		p        float64
		expected float64
	}{
		{0, 10},
		{10, 14},   // rank 0.4 between 10 and 20
		{25, 20},   // rank 1
		{50, 20},   // rank 2
		{60, 24},   // rank 2.4 between 20 and 30
		{75, 30},   // rank 3
		{90, 72},   // rank 3.6 between 30 and 100
		{100, 100}, // rank 4
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.expected, Percentile(values, tt.p), 1e-9, "p=%v", tt.p)
	}
	assert.Equal(t, 0.0, Percentile(nil, 50))
}

func TestMeanStdDev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, Mean(values), 1e-9)
	assert.InDelta(t, 2.0, StdDev(values), 1e-9)
	assert.Equal(t, 0.0, StdDev(nil))
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, 0.0, ShannonEntropy([]int{0, 0}))
	assert.Equal(t, 0.0, ShannonEntropy([]int{10, 0, 0}))
	assert.InDelta(t, 1.0, ShannonEntropy([]int{5, 5}), 1e-9)
	assert.InDelta(t, 2.0, ShannonEntropy([]int{1, 1, 1, 1}), 1e-9)
}

// =============================================================================
// Keystroke features
// =============================================================================

func typedKeys(n int, dwell float64, interval int64) []capture.KeyEvent {
	keys := make([]capture.KeyEvent, n)
	for i := range keys {
		press := int64(i) * interval
		keys[i] = capture.KeyEvent{Code: uint16(i % 26), Press: press, Dwell: dwell}
		if i > 0 {
			keys[i].Flight = float64(interval) - dwell
			keys[i].HasFlight = true
		}
	}
	return keys
}

func TestExtractKeystroke_Minimum(t *testing.T) {
	assert.Nil(t, ExtractKeystroke(typedKeys(MinKeystrokes-1, 80, 200), nil))
	assert.NotNil(t, ExtractKeystroke(typedKeys(MinKeystrokes, 80, 200), nil))
}

func TestExtractKeystroke_Values(t *testing.T) {
	keys := typedKeys(60, 80, 200)
	digraphs := map[string][]float64{
		"1-2": {100, 110, 120}, // sd 8.165
		"2-3": {200, 200, 200}, // sd 0
		"3-4": {50, 60},        // too few samples
	}

	ks := ExtractKeystroke(keys, digraphs)
	require.NotNil(t, ks)
	assert.Equal(t, 60, ks.Samples)
	assert.Equal(t, 80.0, ks.DwellMedian)
	assert.Equal(t, 0.0, ks.DwellMAD)
	assert.Equal(t, 120.0, ks.FlightMedian)
	assert.Equal(t, 200.0, ks.IntervalMedian)
	assert.Equal(t, 0.0, ks.IntervalIQR)
	// 60 events over 59*200ms: (60/5) / (11.8s/60)
	assert.InDelta(t, 12/(11.8/60), ks.WPM, 1e-9)
	assert.InDelta(t, StdDev([]float64{100, 110, 120})/2, ks.DigraphRhythm, 1e-9)
}

func TestValidFlightsAndIntervals(t *testing.T) {
	keys := []capture.KeyEvent{
		{Press: 0},
		{Press: 100, Flight: -20, HasFlight: true},   // overlapping keys
		{Press: 2500, Flight: 2300, HasFlight: true}, // pause
		{Press: 2600, Flight: 40, HasFlight: true},
		{Press: 2600, Flight: 0, HasFlight: true},
	}
	assert.Equal(t, []float64{40}, ValidFlights(keys))
	assert.Equal(t, []float64{100, 100}, PressIntervals(keys))
}

func TestWordsPerMinute(t *testing.T) {
	assert.Equal(t, 0.0, WordsPerMinute(typedKeys(9, 50, 100)))
	// 10 events over 9 * 6000ms = 0.9 min → 2 words / 0.9
	assert.InDelta(t, 2/0.9, WordsPerMinute(typedKeys(10, 50, 6000)), 1e-9)
}

// =============================================================================
// Mouse features
// =============================================================================

func straightLine(n int) []capture.MouseSample {
	samples := make([]capture.MouseSample, n)
	for i := range samples {
		samples[i] = capture.MouseSample{X: float64(i) * 5, Y: float64(i) * 2, TS: int64(i) * 10}
		if i > 0 {
			samples[i].Speed = math.Hypot(5, 2) / 10
			samples[i].HasSpeed = true
		}
	}
	return samples
}

func TestExtractMouse_Colinear(t *testing.T) {
	assert.Nil(t, ExtractMouse(straightLine(MinMouseSamples-1), nil))

	m := ExtractMouse(straightLine(50), nil)
	require.NotNil(t, m)
	assert.Equal(t, 0.0, m.AngleEntropy)
	assert.Equal(t, 0.0, m.Curvature)
	assert.InDelta(t, 0.0, m.SpeedStd, 1e-12)
	assert.InDelta(t, math.Hypot(5, 2)/10, m.SpeedMean, 1e-9)
	assert.Equal(t, 0.0, m.TremorFreq)
}

func TestTurnAngles(t *testing.T) {
	samples := []capture.MouseSample{
		{X: 0, Y: 0},
		{X: 1, Y: 0},
		{X: 1, Y: 0}, // no movement, skipped
		{X: 1, Y: 1}, // 90° left
		{X: 1, Y: 0}, // reversal
	}
	turns := TurnAngles(samples)
	require.Len(t, turns, 2)
	assert.InDelta(t, math.Pi/2, turns[0], 1e-9)
	assert.InDelta(t, math.Pi, turns[1], 1e-9)

	// A reversal lands in the last bin, never out of range.
	assert.InDelta(t, 1.0/math.Log2(AngleBins), AngleEntropy(turns), 1e-9)
}

func TestTremor(t *testing.T) {
	// Acceleration alternates around its mean every 50ms: 20 crossings/s → 10 Hz.
	jitter := make([]capture.JitterSample, 21)
	for i := range jitter {
		a := 1.0
		if i%2 == 1 {
			a = 3.0
		}
		jitter[i] = capture.JitterSample{TS: int64(i) * 50, Accel: a}
	}
	freq, amp := Tremor(jitter)
	assert.InDelta(t, 10.0, freq, 1e-9)
	assert.InDelta(t, StdDev([]float64{1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1, 3, 1}), amp, 1e-9)

	freq, amp = Tremor(jitter[:1])
	assert.Equal(t, 0.0, freq)
	assert.Equal(t, 0.0, amp)
}

// =============================================================================
// Click features and vector
// =============================================================================

func TestExtractClick(t *testing.T) {
	clicks := []capture.ClickSample{
		{X: 0, Y: 0, TS: 0},
		{X: 3, Y: 4, TS: 1000},
		{X: 3, Y: 4, TS: 3000},
		{X: 0, Y: 0, TS: 4000},
	}
	assert.Nil(t, ExtractClick(clicks))

	clicks = append(clicks, capture.ClickSample{X: 0, Y: 0, TS: 6000})
	c := ExtractClick(clicks)
	require.NotNil(t, c)
	assert.InDelta(t, 1500.0, c.IntervalMean, 1e-9)
	assert.InDelta(t, 500.0, c.IntervalStd, 1e-9)
	assert.InDelta(t, 2.5, c.DistanceMean, 1e-9)
	assert.InDelta(t, 50.0, c.PerMinute, 1e-9)
}

func TestExtract_EmptySnapshot(t *testing.T) {
	v := Extract(capture.Snapshot{})
	assert.True(t, v.Empty())
}
