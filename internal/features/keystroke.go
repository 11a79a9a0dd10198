package features

import "trustd/internal/capture"

// Keystroke holds dwell, flight, cadence and rhythm statistics in milliseconds.
type Keystroke struct {
	DwellMedian    float64 `json:"dwellMedian"`
	DwellMAD       float64 `json:"dwellMAD"`
	DwellP25       float64 `json:"dwellP25"`
	DwellP75       float64 `json:"dwellP75"`
	DwellIQR       float64 `json:"dwellIQR"`
	DwellMean      float64 `json:"dwellMean"`
	DwellStd       float64 `json:"dwellStd"`
	FlightMedian   float64 `json:"flightMedian"`
	FlightMAD      float64 `json:"flightMAD"`
	IntervalMedian float64 `json:"intervalMedian"`
	IntervalMAD    float64 `json:"intervalMAD"`
	IntervalIQR    float64 `json:"intervalIQR"`
	WPM            float64 `json:"wpm"`
	DigraphRhythm  float64 `json:"digraphRhythm"`
	Samples        int     `json:"samples"`
}

// MinDigraphSamples is the number of intervals a digraph needs before its
// spread contributes to rhythm statistics.
const MinDigraphSamples = 3

// ExtractKeystroke computes keystroke features, or nil below MinKeystrokes events.
func ExtractKeystroke(keys []capture.KeyEvent, digraphs map[string][]float64) *Keystroke {
	if len(keys) < MinKeystrokes {
		return nil
	}

	dwell := make([]float64, len(keys))
	for i, k := range keys {
		dwell[i] = k.Dwell
	}
	flight := ValidFlights(keys)
	intervals := PressIntervals(keys)

	ks := &Keystroke{
		DwellMedian:    Median(dwell),
		DwellMAD:       MAD(dwell),
		DwellMean:      Mean(dwell),
		DwellStd:       StdDev(dwell),
		FlightMedian:   Median(flight),
		FlightMAD:      MAD(flight),
		IntervalMedian: Median(intervals),
		IntervalMAD:    MAD(intervals),
		WPM:            WordsPerMinute(keys),
		DigraphRhythm:  Median(DigraphSpreads(digraphs, false)),
		Samples:        len(keys),
	}
	ks.DwellP25, ks.DwellP75, ks.DwellIQR = Quartiles(dwell)
	_, _, ks.IntervalIQR = Quartiles(intervals)
	return ks
}

// ValidFlights returns flight times in (0, MaxFlightMs).
func ValidFlights(keys []capture.KeyEvent) []float64 {
	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		if k.HasFlight && k.Flight > 0 && k.Flight < capture.MaxFlightMs {
			out = append(out, k.Flight)
		}
	}
	return out
}

// PressIntervals returns successive press-time deltas in (0, MaxFlightMs).
func PressIntervals(keys []capture.KeyEvent) []float64 {
	if len(keys) < 2 {
		return nil
	}
	out := make([]float64, 0, len(keys)-1)
	for i := 1; i < len(keys); i++ {
		d := float64(keys[i].Press - keys[i-1].Press)
		if d > 0 && d < capture.MaxFlightMs {
			out = append(out, d)
		}
	}
	return out
}

// WordsPerMinute estimates typing speed as (events/5) per elapsed minute.
// It returns 0 with fewer than 10 events.
func WordsPerMinute(keys []capture.KeyEvent) float64 {
	if len(keys) < 10 {
		return 0
	}
	minutes := float64(keys[len(keys)-1].Press-keys[0].Press) / 60_000
	if minutes <= 0 {
		return 0
	}
	return float64(len(keys)) / 5 / minutes
}

// DigraphSpreads returns, for each digraph with at least MinDigraphSamples
// intervals, the standard deviation of its intervals, or the variance when
// variance is true.
func DigraphSpreads(digraphs map[string][]float64, variance bool) []float64 {
	out := make([]float64, 0, len(digraphs))
	for _, intervals := range digraphs {
		if len(intervals) < MinDigraphSamples {
			continue
		}
		sd := StdDev(intervals)
		if variance {
			out = append(out, sd*sd)
		} else {
			out = append(out, sd)
		}
	}
	return out
}
