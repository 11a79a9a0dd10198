package scoring

import (
	"fmt"
	"math"
	"strings"

	"trustd/internal/capture"
	"trustd/internal/features"
)

// Bot detection constants.
const (
	BotThreshold = 85
	BotScoreCap  = 100

	minEntropy          = 0.02
	tremorBandLow       = 3.0
	tremorBandHigh      = 12.0
	minCurvature        = 0.01
	minHumanIntervalMs  = 30.0
	minIntervalCV       = 0.15
	minDigraphVariance  = 3.0
	minDigraphsObserved = 10
	correctionWindow    = 50
	correctionMargin    = 0.1
	minCorrectionRatio  = 0.15
)

// Replay detection constants.
const (
	ReplayWindow             = 20
	minIdenticalIntervals    = 6
	ReasonMultipleNonces     = "Multiple session nonces"
	ReasonIdenticalIntervals = "Identical intervals"
)

// BotResult is the outcome of bot detection.
type BotResult struct {
	Score  int    `json:"score"`
	IsBot  bool   `json:"isBot"`
	Reason string `json:"reason"`
}

// BotInput is what bot detection looks at. A nil KS or Mouse means the
// channel is below its feature minimum and its rules are skipped,
// including the ones reading Digraphs and RecentMouse.
type BotInput struct {
	KS          *features.Keystroke
	Mouse       *features.Mouse
	Digraphs    map[string][]float64
	RecentMouse []capture.MouseSample
}

// DetectBot scores how likely the input is scripted. Each rule adds points
// and a reason; the total is capped at BotScoreCap.
func DetectBot(in BotInput) BotResult {
	score := 0
	var reasons []string
	hit := func(points int, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	if m := in.Mouse; m != nil {
		if m.AngleEntropy < minEntropy {
			hit(40, fmt.Sprintf("Mouse angle entropy too low (%.3f)", m.AngleEntropy))
		}
		if m.TremorFreq > 0 && (m.TremorFreq < tremorBandLow || m.TremorFreq > tremorBandHigh) {
			hit(30, fmt.Sprintf("Jitter frequency outside human range (%.1f Hz)", m.TremorFreq))
		}
		if m.Curvature < minCurvature {
			hit(25, "Mouse paths are perfectly straight")
		}
	}

	if ks := in.KS; ks != nil {
		if med := ks.IntervalMedian; med > 0 {
			if med < minHumanIntervalMs {
				hit(50, fmt.Sprintf("Keystroke interval too fast (%.1f ms)", med))
			}
			if cv := ks.IntervalIQR / med; cv < minIntervalCV {
				hit(25, fmt.Sprintf("Keystroke rhythm too regular (CV %.3f)", cv))
			}
		}
		if len(in.Digraphs) >= minDigraphsObserved {
			variances := features.DigraphSpreads(in.Digraphs, true)
			if len(variances) > 0 && features.Median(variances) < minDigraphVariance {
				hit(20, "Digraph timing variance too low")
			}
		}
	}

	if in.Mouse != nil {
		if ratio, ok := correctionRatio(in.RecentMouse); ok && ratio < minCorrectionRatio {
			hit(30, fmt.Sprintf("No mouse micro-corrections (%.0f%%)", ratio*100))
		}
	}

	if score > BotScoreCap {
		score = BotScoreCap
	}
	return BotResult{
		Score:  score,
		IsBot:  score >= BotThreshold,
		Reason: strings.Join(reasons, "; "),
	}
}

// correctionRatio is the fraction of direction changes over the newest
// correctionWindow samples whose magnitude lies strictly inside
// (correctionMargin, π-correctionMargin).
func correctionRatio(samples []capture.MouseSample) (float64, bool) {
	if len(samples) > correctionWindow {
		samples = samples[len(samples)-correctionWindow:]
	}
	if len(samples) < 3 {
		return 0, false
	}
	turns := features.TurnAngles(samples)
	if len(turns) == 0 {
		return 0, false
	}
	corrections := 0
	for _, a := range turns {
		if a > correctionMargin && a < math.Pi-correctionMargin {
			corrections++
		}
	}
	return float64(corrections) / float64(len(turns)), true
}

// ReplayResult is the outcome of replay detection.
type ReplayResult struct {
	IsReplay bool   `json:"isReplay"`
	Reason   string `json:"reason,omitempty"`
}

// DetectReplay inspects the newest ReplayWindow key events for stitched
// sessions or machine-identical timing.
func DetectReplay(keys []capture.KeyEvent) ReplayResult {
	if len(keys) > ReplayWindow {
		keys = keys[len(keys)-ReplayWindow:]
	}
	if len(keys) == 0 {
		return ReplayResult{}
	}

	nonces := make(map[string]struct{}, 2)
	for _, k := range keys {
		nonces[k.Nonce] = struct{}{}
	}
	if len(nonces) > 1 {
		return ReplayResult{IsReplay: true, Reason: ReasonMultipleNonces}
	}

	if len(keys)-1 < minIdenticalIntervals {
		return ReplayResult{}
	}
	first := keys[1].Press - keys[0].Press
	for i := 2; i < len(keys); i++ {
		if keys[i].Press-keys[i-1].Press != first {
			return ReplayResult{}
		}
	}
	return ReplayResult{IsReplay: true, Reason: ReasonIdenticalIntervals}
}
