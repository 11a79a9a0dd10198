package capture

import (
	"math"

	"github.com/google/uuid"
)

// Buffer bounds.
const (
	MaxKeystrokes      = 3000
	MaxMouseSamples    = 2000
	MaxClicks          = 500
	MaxScrolls         = 300
	MaxJitterSamples   = 200
	MaxSequenceSamples = 30
	MaxDigraphKeys     = 1000
	MaxTrigraphKeys    = 2000
)

// Timing filters, in milliseconds.
const (
	MinDwellMs    = 1
	MaxDwellMs    = 1000
	MaxFlightMs   = 2000
	MouseWindowMs = 500
	ActivityGapMs = 10_000
)

// Ingestor turns raw events into bounded timing buffers. It is not safe
// for concurrent use: the analysis loop is its only caller, and events
// must arrive in the order they occurred.
type Ingestor struct {
	keys      *Ring[KeyEvent]
	mouse     *Ring[MouseSample]
	clicks    *Ring[ClickSample]
	scrolls   *Ring[ScrollSample]
	jitter    *Ring[JitterSample]
	digraphs  *SequenceMap
	trigraphs *SequenceMap

	pending     map[uint16]int64
	lastRelease int64
	hasRelease  bool
	nonce       string
}

// NewIngestor creates an empty ingestor with a fresh session nonce.
func NewIngestor() *Ingestor {
	in := &Ingestor{
		keys:      NewRing[KeyEvent](MaxKeystrokes),
		mouse:     NewRing[MouseSample](MaxMouseSamples),
		clicks:    NewRing[ClickSample](MaxClicks),
		scrolls:   NewRing[ScrollSample](MaxScrolls),
		jitter:    NewRing[JitterSample](MaxJitterSamples),
		digraphs:  NewSequenceMap(MaxDigraphKeys, MaxSequenceSamples),
		trigraphs: NewSequenceMap(MaxTrigraphKeys, MaxSequenceSamples),
	}
	in.Reset()
	return in
}

// Reset drops all buffered state and rotates the session nonce.
func (in *Ingestor) Reset() {
	in.keys.Reset()
	in.mouse.Reset()
	in.clicks.Reset()
	in.scrolls.Reset()
	in.jitter.Reset()
	in.digraphs.Reset()
	in.trigraphs.Reset()
	in.pending = make(map[uint16]int64)
	in.lastRelease = 0
	in.hasRelease = false
	in.nonce = uuid.NewString()
}

// Nonce returns the current session nonce.
func (in *Ingestor) Nonce() string { return in.nonce }

// Handle dispatches a raw event to the matching handler.
func (in *Ingestor) Handle(ev Event) {
	switch ev.Kind {
	case KindKeyDown:
		in.OnKeyDown(ev.Code, ev.TS)
	case KindKeyUp:
		in.OnKeyUp(ev.Code, ev.TS)
	case KindMouseMove:
		in.OnMouseMove(ev.X, ev.Y, ev.TS)
	case KindClick:
		in.OnClick(ev.X, ev.Y, ev.Button, ev.TS)
	case KindWheel:
		in.OnWheel(ev.Rotation, ev.TS)
	}
}

// OnKeyDown records a pending press. Auto-repeat presses before the
// release keep the first press time.
func (in *Ingestor) OnKeyDown(code uint16, ts int64) {
	if _, held := in.pending[code]; held {
		return
	}
	in.pending[code] = ts
}

// OnKeyUp resolves a pending press into a KeyEvent. It reports whether an
// event was retained.
func (in *Ingestor) OnKeyUp(code uint16, ts int64) bool {
	press, ok := in.pending[code]
	if !ok {
		return false
	}
	delete(in.pending, code)

	dwell := float64(ts - press)
	if dwell < MinDwellMs || dwell > MaxDwellMs {
		return false
	}

	ev := KeyEvent{
		Code:  code,
		Press: press,
		Dwell: dwell,
		Nonce: in.nonce,
	}
	if in.hasRelease {
		ev.Flight = float64(press - in.lastRelease)
		ev.HasFlight = true
	}

	if prev, ok := in.keys.Back(0); ok {
		in.digraphs.Add(SequenceKey(prev.Code, code), float64(press-prev.Press))
		if prev2, ok := in.keys.Back(1); ok {
			in.trigraphs.Add(SequenceKey(prev2.Code, prev.Code, code), float64(press-prev2.Press))
		}
	}

	in.keys.Push(ev)
	in.lastRelease = ts
	in.hasRelease = true
	return true
}

// OnMouseMove appends a pointer sample, deriving speed when the previous
// sample is less than MouseWindowMs old, and acceleration plus a jitter
// sample when the previous sample carried a speed.
func (in *Ingestor) OnMouseMove(x, y float64, ts int64) {
	s := MouseSample{X: x, Y: y, TS: ts}

	if prev, ok := in.mouse.Back(0); ok {
		gap := float64(ts - prev.TS)
		if gap > 0 && gap < MouseWindowMs {
			s.Speed = math.Hypot(x-prev.X, y-prev.Y) / gap
			s.HasSpeed = true
			if prev.HasSpeed {
				s.Accel = math.Abs(s.Speed-prev.Speed) / gap
				s.HasAccel = true
				in.jitter.Push(JitterSample{TS: ts, Accel: s.Accel, Speed: s.Speed})
			}
		}
	}

	in.mouse.Push(s)
}

// OnClick appends a click sample.
func (in *Ingestor) OnClick(x, y float64, button uint8, ts int64) {
	in.clicks.Push(ClickSample{X: x, Y: y, TS: ts, Button: button})
}

// OnWheel appends a scroll sample.
func (in *Ingestor) OnWheel(rotation float64, ts int64) {
	in.scrolls.Push(ScrollSample{Rotation: rotation, TS: ts})
}

// Counts reports buffered sample counts per channel.
type Counts struct {
	Keystrokes int `json:"keystrokes"`
	Mouse      int `json:"mouse"`
	Clicks     int `json:"clicks"`
	Scrolls    int `json:"scrolls"`
	Jitter     int `json:"jitter"`
	Digraphs   int `json:"digraphs"`
	Trigraphs  int `json:"trigraphs"`
}

// Counts returns the current buffer sizes.
func (in *Ingestor) Counts() Counts {
	return Counts{
		Keystrokes: in.keys.Len(),
		Mouse:      in.mouse.Len(),
		Clicks:     in.clicks.Len(),
		Scrolls:    in.scrolls.Len(),
		Jitter:     in.jitter.Len(),
		Digraphs:   in.digraphs.Len(),
		Trigraphs:  in.trigraphs.Len(),
	}
}

// Snapshot is a point-in-time copy of every buffer, oldest first.
type Snapshot struct {
	Keys      []KeyEvent           `json:"keys"`
	Mouse     []MouseSample        `json:"mouse"`
	Clicks    []ClickSample        `json:"clicks"`
	Scrolls   []ScrollSample       `json:"scrolls"`
	Jitter    []JitterSample       `json:"jitter"`
	Digraphs  map[string][]float64 `json:"digraphs"`
	Trigraphs map[string][]float64 `json:"trigraphs"`
}

// Snapshot copies the buffers.
func (in *Ingestor) Snapshot() Snapshot {
	return Snapshot{
		Keys:      in.keys.Slice(),
		Mouse:     in.mouse.Slice(),
		Clicks:    in.clicks.Slice(),
		Scrolls:   in.scrolls.Slice(),
		Jitter:    in.jitter.Slice(),
		Digraphs:  in.digraphs.Export(),
		Trigraphs: in.trigraphs.Export(),
	}
}

// RecentKeys returns the newest n key events, oldest first.
func (in *Ingestor) RecentKeys(n int) []KeyEvent { return in.keys.Last(n) }

// RecentMouse returns the newest n mouse samples, oldest first.
func (in *Ingestor) RecentMouse(n int) []MouseSample { return in.mouse.Last(n) }

// Restore loads buffers from a snapshot taken by an earlier process. Key
// events are re-stamped with the current nonce: the snapshot is our own
// training data, not a foreign stream.
func (in *Ingestor) Restore(s Snapshot) {
	in.Reset()
	for _, k := range s.Keys {
		k.Nonce = in.nonce
		in.keys.Push(k)
	}
	for _, m := range s.Mouse {
		in.mouse.Push(m)
	}
	for _, c := range s.Clicks {
		in.clicks.Push(c)
	}
	for _, sc := range s.Scrolls {
		in.scrolls.Push(sc)
	}
	for _, j := range s.Jitter {
		in.jitter.Push(j)
	}
	in.digraphs.Import(s.Digraphs)
	in.trigraphs.Import(s.Trigraphs)
}
