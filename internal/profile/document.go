package profile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"trustd/internal/capture"
	"trustd/internal/features"
)

// Version is the profile document schema version.
const Version = "3.0"

// ErrInvalidProfile is returned when an imported document fails validation.
var ErrInvalidProfile = errors.New("profile: invalid document")

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "behavior-profile-v3.schema.json"

var profileSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("profile: add schema resource: %v", err))
	}
	return compiler.MustCompile(schemaURL)
}

// Size summarises how much data a profile was trained on.
type Size struct {
	Keystrokes int `json:"keystrokes"`
	Mouse      int `json:"mouse"`
	Clicks     int `json:"clicks"`
	Digraphs   int `json:"digraphs"`
}

// Profile is the persisted baseline. It is built once when training
// completes and only ever replaced whole.
type Profile struct {
	UID       string               `json:"uid"`
	CreatedAt int64                `json:"createdAt"`
	Features  features.Vector      `json:"features"`
	Digraphs  map[string][]float64 `json:"digraphs"`
	Trigraphs map[string][]float64 `json:"trigraphs"`
	Size      Size                 `json:"size"`
	V         string               `json:"v"`
}

// Summary is the profile payload carried by UI events.
type Summary struct {
	UID       string `json:"uid"`
	CreatedAt int64  `json:"createdAt"`
	Size      Size   `json:"size"`
}

// Build constructs a profile from the current buffers and their features.
func Build(uid string, now time.Time, snap capture.Snapshot, vec features.Vector) *Profile {
	p := &Profile{
		UID:       uid,
		CreatedAt: now.UnixMilli(),
		Features:  vec,
		Digraphs:  snap.Digraphs,
		Trigraphs: snap.Trigraphs,
		Size: Size{
			Keystrokes: len(snap.Keys),
			Mouse:      len(snap.Mouse),
			Clicks:     len(snap.Clicks),
			Digraphs:   len(snap.Digraphs),
		},
		V: Version,
	}
	if p.Digraphs == nil {
		p.Digraphs = map[string][]float64{}
	}
	if p.Trigraphs == nil {
		p.Trigraphs = map[string][]float64{}
	}
	return p
}

// Summary returns the event payload for p.
func (p *Profile) Summary() Summary {
	return Summary{UID: p.UID, CreatedAt: p.CreatedAt, Size: p.Size}
}

// Marshal serialises the document.
func (p *Profile) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Validate checks raw document bytes against the embedded schema.
func Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := profileSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return nil
}

// Parse validates and decodes a profile document. A profile must carry at
// least one of the keystroke or mouse baselines to be usable for scoring.
func Parse(data []byte) (*Profile, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if p.Features.KS == nil && p.Features.Mouse == nil {
		return nil, fmt.Errorf("%w: no keystroke or mouse baseline", ErrInvalidProfile)
	}
	return &p, nil
}
