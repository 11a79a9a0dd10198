// Package features reduces buffered input history into per-channel
// statistical feature vectors.
//
// Every extractor is a pure function over a capture.Snapshot. A nil result
// means the channel has not yet collected its minimum number of samples;
// that is a normal "not yet available" outcome and not an error.
package features

import (
	"math"

	"trustd/internal/capture"
)

// Minimum sample counts per channel.
const (
	MinKeystrokes   = 50
	MinMouseSamples = 30
	MinClicks       = 5
)

// Vector is a per-channel feature snapshot. A nil field means insufficient data.
type Vector struct {
	KS    *Keystroke `json:"ks"`
	Mouse *Mouse     `json:"mouse"`
	Click *Click     `json:"click"`
}

// Empty reports whether no channel has enough data.
func (v Vector) Empty() bool {
	return v.KS == nil && v.Mouse == nil && v.Click == nil
}

// Extract computes every channel from a snapshot.
func Extract(s capture.Snapshot) Vector {
	return Vector{
		KS:    ExtractKeystroke(s.Keys, s.Digraphs),
		Mouse: ExtractMouse(s.Mouse, s.Jitter),
		Click: ExtractClick(s.Clicks),
	}
}

// Click holds click cadence statistics.
type Click struct {
	IntervalMean float64 `json:"intervalMean"`
	IntervalStd  float64 `json:"intervalStd"`
	DistanceMean float64 `json:"distanceMean"`
	PerMinute    float64 `json:"perMinute"`
	Samples      int     `json:"samples"`
}

// ExtractClick computes click features, or nil below MinClicks samples.
func ExtractClick(clicks []capture.ClickSample) *Click {
	if len(clicks) < MinClicks {
		return nil
	}

	intervals := make([]float64, 0, len(clicks)-1)
	distances := make([]float64, 0, len(clicks)-1)
	for i := 1; i < len(clicks); i++ {
		prev, cur := clicks[i-1], clicks[i]
		intervals = append(intervals, float64(cur.TS-prev.TS))
		distances = append(distances, math.Hypot(cur.X-prev.X, cur.Y-prev.Y))
	}

	c := &Click{
		IntervalMean: Mean(intervals),
		IntervalStd:  StdDev(intervals),
		DistanceMean: Mean(distances),
		Samples:      len(clicks),
	}
	span := float64(clicks[len(clicks)-1].TS-clicks[0].TS) / 60_000
	if span > 0 {
		c.PerMinute = float64(len(clicks)) / span
	}
	return c
}
