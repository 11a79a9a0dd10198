// Package scoring compares live behavior against a trained baseline and
// flags scripted or replayed input.
package scoring

import (
	"math"
	"time"

	"trustd/internal/features"
)

// Channel weights before renormalisation over the channels present.
const (
	WeightKeystroke = 0.5
	WeightMouse     = 0.3
	WeightClick     = 0.2
)

// metric is one compared value and the relative deviation it tolerates
// before contributing full risk.
type metric struct {
	name string
	tol  float64
	cur  float64
	base float64
}

func keystrokeMetrics(cur, base *features.Keystroke) []metric {
	return []metric{
		{"dwellMedian", 0.6, cur.DwellMedian, base.DwellMedian},
		{"dwellMAD", 0.7, cur.DwellMAD, base.DwellMAD},
		{"dwellIQR", 0.7, cur.DwellIQR, base.DwellIQR},
		{"flightMedian", 0.65, cur.FlightMedian, base.FlightMedian},
		{"flightMAD", 0.7, cur.FlightMAD, base.FlightMAD},
		{"intervalMedian", 0.65, cur.IntervalMedian, base.IntervalMedian},
		{"intervalMAD", 0.7, cur.IntervalMAD, base.IntervalMAD},
		{"wpm", 0.6, cur.WPM, base.WPM},
		{"digraphRhythm", 0.7, cur.DigraphRhythm, base.DigraphRhythm},
	}
}

func mouseMetrics(cur, base *features.Mouse) []metric {
	return []metric{
		{"speedMean", 0.65, cur.SpeedMean, base.SpeedMean},
		{"speedStd", 0.7, cur.SpeedStd, base.SpeedStd},
		{"curvature", 0.7, cur.Curvature, base.Curvature},
		{"angleEntropy", 0.65, cur.AngleEntropy, base.AngleEntropy},
	}
}

func clickMetrics(cur, base *features.Click) []metric {
	return []metric{
		{"intervalMean", 1.2, cur.IntervalMean, base.IntervalMean},
		{"distanceMean", 1.2, cur.DistanceMean, base.DistanceMean},
		{"perMinute", 1.2, cur.PerMinute, base.PerMinute},
	}
}

// channelDeviation returns the mean per-metric deviation in [0, 100] and
// whether any metric had a usable (nonzero) baseline.
func channelDeviation(ms []metric) (float64, bool) {
	var sum float64
	n := 0
	for _, m := range ms {
		if m.base == 0 {
			continue
		}
		d := math.Abs(m.cur-m.base) / math.Abs(m.base) / m.tol
		sum += math.Min(1, d) * 100
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Breakdown is the per-channel deviation behind a score. Absent channels
// are nil.
type Breakdown struct {
	Keystroke  *float64 `json:"ks"`
	Mouse      *float64 `json:"mouse"`
	Click      *float64 `json:"click"`
	Risk       float64  `json:"risk"`
	Adjustment float64  `json:"adjustment"`
}

// TrustScorer computes the trust score. Now is consulted for the time of
// day adjustment.
type TrustScorer struct {
	Now func() time.Time
}

// NewTrustScorer returns a scorer using the wall clock.
func NewTrustScorer() *TrustScorer {
	return &TrustScorer{Now: time.Now}
}

// Score returns the trust score of current against baseline. When either
// side lacks usable data it returns prev unchanged and ok=false.
func (s *TrustScorer) Score(prev float64, baseline *features.Vector, current features.Vector) (score float64, b Breakdown, ok bool) {
	if baseline == nil || (baseline.KS == nil && baseline.Mouse == nil) {
		return prev, b, false
	}
	if current.KS == nil && current.Mouse == nil {
		return prev, b, false
	}

	var weighted, weights float64
	add := func(slot **float64, ms []metric, w float64) {
		dev, usable := channelDeviation(ms)
		if !usable {
			return
		}
		*slot = &dev
		weighted += dev * w
		weights += w
	}
	if current.KS != nil && baseline.KS != nil {
		add(&b.Keystroke, keystrokeMetrics(current.KS, baseline.KS), WeightKeystroke)
	}
	if current.Mouse != nil && baseline.Mouse != nil {
		add(&b.Mouse, mouseMetrics(current.Mouse, baseline.Mouse), WeightMouse)
	}
	if current.Click != nil && baseline.Click != nil {
		add(&b.Click, clickMetrics(current.Click, baseline.Click), WeightClick)
	}
	if weights == 0 {
		return prev, b, false
	}

	b.Risk = weighted / weights
	b.Adjustment = TimeAdjustment(s.now())
	return clamp(100-b.Risk*b.Adjustment, 0, 100), b, true
}

func (s *TrustScorer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// TimeAdjustment returns the risk multiplier for the local time of t.
func TimeAdjustment(t time.Time) float64 {
	adj := 1.0
	hour := t.Hour()
	if hour < 5 || hour >= 22 {
		adj *= 0.85
	}
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		adj *= 0.90
	}
	if hour >= 5 && hour < 12 {
		adj *= 0.92
	}
	return adj
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
