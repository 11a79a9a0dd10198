package features

import (
	"math"

	"trustd/internal/capture"
)

// Mouse holds pointer kinematics. Speeds are px/ms, tremor frequency is Hz.
type Mouse struct {
	SpeedMean    float64 `json:"speedMean"`
	SpeedStd     float64 `json:"speedStd"`
	Curvature    float64 `json:"curvature"`
	AngleEntropy float64 `json:"angleEntropy"`
	TremorFreq   float64 `json:"tremorFreq"`
	TremorAmp    float64 `json:"tremorAmp"`
	Samples      int     `json:"samples"`
}

// AngleBins is the number of histogram bins spanning [0, π] for angular entropy.
const AngleBins = 10

// ExtractMouse computes pointer features, or nil below MinMouseSamples samples.
func ExtractMouse(samples []capture.MouseSample, jitter []capture.JitterSample) *Mouse {
	if len(samples) < MinMouseSamples {
		return nil
	}

	speeds := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.HasSpeed {
			speeds = append(speeds, s.Speed)
		}
	}
	turns := TurnAngles(samples)

	m := &Mouse{
		SpeedMean:    Mean(speeds),
		SpeedStd:     StdDev(speeds),
		Curvature:    Mean(turns) / math.Pi,
		AngleEntropy: AngleEntropy(turns),
		Samples:      len(samples),
	}
	m.TremorFreq, m.TremorAmp = Tremor(jitter)
	return m
}

// TurnAngles returns the absolute heading change, in [0, π], between each
// pair of consecutive non-degenerate movement segments.
func TurnAngles(samples []capture.MouseSample) []float64 {
	if len(samples) < 3 {
		return nil
	}

	out := make([]float64, 0, len(samples)-2)
	var prevHeading float64
	havePrev := false
	for i := 1; i < len(samples); i++ {
		dx := samples[i].X - samples[i-1].X
		dy := samples[i].Y - samples[i-1].Y
		if dx == 0 && dy == 0 {
			continue
		}
		heading := math.Atan2(dy, dx)
		if havePrev {
			d := math.Abs(heading - prevHeading)
			if d > math.Pi {
				d = 2*math.Pi - d
			}
			out = append(out, d)
		}
		prevHeading = heading
		havePrev = true
	}
	return out
}

// AngleEntropy bins turn angles into AngleBins bins over [0, π] and returns
// the Shannon entropy normalised by log2(AngleBins), in [0, 1].
func AngleEntropy(turns []float64) float64 {
	if len(turns) == 0 {
		return 0
	}
	histogram := make([]int, AngleBins)
	for _, a := range turns {
		idx := int(a / math.Pi * AngleBins)
		if idx >= AngleBins {
			idx = AngleBins - 1
		}
		if idx < 0 {
			idx = 0
		}
		histogram[idx]++
	}
	return ShannonEntropy(histogram) / math.Log2(AngleBins)
}

// Tremor estimates hand tremor from jitter acceleration. Frequency is half
// the rate at which acceleration crosses its mean over the buffer's time
// span; amplitude is the standard deviation of acceleration.
func Tremor(jitter []capture.JitterSample) (freq, amp float64) {
	if len(jitter) < 2 {
		return 0, 0
	}
	accel := make([]float64, len(jitter))
	for i, j := range jitter {
		accel[i] = j.Accel
	}
	amp = StdDev(accel)

	span := float64(jitter[len(jitter)-1].TS-jitter[0].TS) / 1000
	if span <= 0 {
		return 0, amp
	}
	m := Mean(accel)
	crossings := 0
	for i := 1; i < len(accel); i++ {
		if (accel[i-1]-m)*(accel[i]-m) < 0 {
			crossings++
		}
	}
	return float64(crossings) / span / 2, amp
}
