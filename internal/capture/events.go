// Package capture ingests raw input events into bounded timing buffers.
//
// The package never records which characters were typed. Keycodes are kept
// only as opaque identities for digraph/trigraph rhythm, and are never
// logged.
//
// Platform support:
//   - Linux: reads /dev/input/event* (requires the input group or root)
//   - other platforms: no native source; SimulatedSource is available for tests
package capture

// Kind identifies a raw input event.
type Kind uint8

const (
	KindKeyDown Kind = iota + 1
	KindKeyUp
	KindMouseMove
	KindClick
	KindWheel
)

func (k Kind) String() string {
	switch k {
	case KindKeyDown:
		return "key_down"
	case KindKeyUp:
		return "key_up"
	case KindMouseMove:
		return "mouse_move"
	case KindClick:
		return "click"
	case KindWheel:
		return "wheel"
	default:
		return "unknown"
	}
}

// Event is a raw event as delivered by a Source. Timestamps are Unix
// milliseconds. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind
	TS       int64
	Code     uint16 // key events
	X, Y     float64
	Button   uint8 // click
	Rotation float64
}

// Mouse buttons reported in ClickSample.Button.
const (
	ButtonLeft uint8 = iota
	ButtonRight
	ButtonMiddle
	ButtonOther
)

// KeyEvent is a resolved key press/release pair.
type KeyEvent struct {
	Code      uint16  `json:"code"`
	Press     int64   `json:"press"`
	Dwell     float64 `json:"dwell"`
	Flight    float64 `json:"flight,omitempty"`
	HasFlight bool    `json:"hasFlight,omitempty"`
	Nonce     string  `json:"nonce"`
}

// MouseSample is a pointer position with derived kinematics.
type MouseSample struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	TS       int64   `json:"ts"`
	Speed    float64 `json:"speed,omitempty"` // px/ms
	HasSpeed bool    `json:"hasSpeed,omitempty"`
	Accel    float64 `json:"accel,omitempty"` // px/ms²
	HasAccel bool    `json:"hasAccel,omitempty"`
}

// JitterSample feeds tremor estimation.
type JitterSample struct {
	TS    int64   `json:"ts"`
	Accel float64 `json:"accel"`
	Speed float64 `json:"speed"`
}

// ClickSample is a mouse button press.
type ClickSample struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	TS     int64   `json:"ts"`
	Button uint8   `json:"button"`
}

// ScrollSample is a wheel rotation.
type ScrollSample struct {
	Rotation float64 `json:"rotation"`
	TS       int64   `json:"ts"`
}
