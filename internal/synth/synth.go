package synth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rfprobe/skytap/internal/checksum"
	"github.com/rfprobe/skytap/internal/model"
	"github.com/rfprobe/skytap/internal/session"
)

// Synthesis failure modes. Both are surfaced to the operator; the
// command is not sent and no state changes.
var (
	ErrUnknownIntent = errors.New("no template mapped for intent")
	ErrStaleSession  = errors.New("session state is stale")
)

// Intent is an abstract operator instruction, independent of wire
// format. Params carry role values (axis positions 0-255 and the like).
type Intent struct {
	Kind   string
	Params map[string]int
}

// SynthesizedFrame is a concrete, field-correct frame built from a
// template and the current session state. Transient: discarded after
// transmission and acknowledgement check.
type SynthesizedFrame struct {
	TemplateID uint32
	Data       []byte

	// AckTemplate carries the catalogue's ack directive for the
	// transmitter, 0 meaning any matched drone->app frame.
	AckTemplate uint32

	// Burst is the consecutive-send count for this command, at least 1.
	Burst int
}

// Config holds the synthesizer tuning knobs
type Config struct {
	Freshness time.Duration // Max age of the last counter/token update
	ClampLow  int           // Lower safety clamp for role-filled bytes
	ClampHigh int           // Upper safety clamp for role-filled bytes
}

// DefaultConfig returns the default synthesis parameters. The clamp
// covers the full byte range; tighten it (0x40-0xC0) for cautious
// manual flying.
func DefaultConfig() Config {
	return Config{
		Freshness: 5 * time.Second,
		ClampLow:  0x00,
		ClampHigh: 0xFF,
	}
}

// Synthesizer builds transmittable frames from intents, the frozen
// model, and a session snapshot. The model pointer is swapped by the
// learning and re-segmentation goroutines while the command path reads
// it, so access goes through the mutex; the model itself is frozen and
// safe to share.
type Synthesizer struct {
	cfg       Config
	catalogue *Catalogue

	mu  sync.RWMutex
	mdl *model.MessageModel
}

// NewSynthesizer creates a synthesizer over a frozen model and catalogue
func NewSynthesizer(cfg Config, cat *Catalogue, mdl *model.MessageModel) *Synthesizer {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 5 * time.Second
	}
	if cfg.ClampHigh <= 0 || cfg.ClampHigh > 0xFF {
		cfg.ClampHigh = 0xFF
	}
	if cfg.ClampLow < 0 || cfg.ClampLow > cfg.ClampHigh {
		cfg.ClampLow = 0
	}

	return &Synthesizer{cfg: cfg, catalogue: cat, mdl: mdl}
}

// SetModel swaps in a refined model after re-segmentation
func (s *Synthesizer) SetModel(mdl *model.MessageModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mdl = mdl
}

// model returns the current model pointer
func (s *Synthesizer) model() *model.MessageModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mdl
}

// Synthesize builds a frame for the intent from the session snapshot.
// Constant slots come from the template, counter slots advance the last
// observed value by the detected stride, token slots replay the most
// recent observed bytes, and the checksum is recomputed last. Fails with
// ErrUnknownIntent when no template is mapped and ErrStaleSession when
// the session has gone quiet past the freshness window.
func (s *Synthesizer) Synthesize(intent Intent, snap session.Snapshot, now time.Time) (SynthesizedFrame, error) {
	mapping, ok := s.catalogue.Lookup(intent.Kind)
	if !ok {
		return SynthesizedFrame{}, fmt.Errorf("%w: %q", ErrUnknownIntent, intent.Kind)
	}

	mdl := s.model()
	if mdl == nil {
		return SynthesizedFrame{}, fmt.Errorf("%w: no model adopted yet", ErrUnknownIntent)
	}

	tmpl, ok := mdl.Template(mapping.TemplateID)
	if !ok {
		return SynthesizedFrame{}, fmt.Errorf("%w: template %d not in model", ErrUnknownIntent, mapping.TemplateID)
	}

	if s.needsSessionState(tmpl, mapping) {
		if snap.LastUpdate.IsZero() {
			return SynthesizedFrame{}, fmt.Errorf("%w: no traffic observed yet", ErrStaleSession)
		}
		if age := now.Sub(snap.LastUpdate); age > s.cfg.Freshness {
			return SynthesizedFrame{}, fmt.Errorf("%w: last update %v ago (window %v)",
				ErrStaleSession, age.Round(time.Millisecond), s.cfg.Freshness)
		}
	}

	data := make([]byte, tmpl.Length)

	for idx, slot := range tmpl.Slots {
		key := session.SlotKey{TemplateID: tmpl.ID, Offset: slot.Offset}

		switch slot.Kind {
		case model.KindConstant:
			copy(data[slot.Offset:], slot.Value)

		case model.KindCounter:
			stored, seen := snap.Counters[key]
			if !seen {
				return SynthesizedFrame{}, fmt.Errorf("%w: counter at %s never observed", ErrStaleSession, key)
			}
			data[slot.Offset] = stored + byte(slot.Stride)

		case model.KindEnum, model.KindPayload:
			s.fillVariable(data, slot, idx, mapping, intent, snap, key)

		case model.KindChecksum:
			// Recomputed below, once every other byte is final
		}
	}

	if csSlot, ok := tmpl.ChecksumSlot(); ok {
		alg := csSlot.Algorithm
		if mapping.Checksum != checksum.AlgNone {
			alg = mapping.Checksum
		}
		copy(data[csSlot.Offset:], checksum.ComputeExcised(alg, data, csSlot.Offset, csSlot.Length))
	}

	burst := mapping.Burst
	if burst < 1 {
		burst = 1
	}

	return SynthesizedFrame{
		TemplateID:  tmpl.ID,
		Data:        data,
		AckTemplate: mapping.AckTemplate,
		Burst:       burst,
	}, nil
}

// fillVariable fills an enum or payload slot. A slot with a catalogue
// role that the intent supplies gets the clamped parameter value;
// anything else replays the most recent observed bytes (no forgery of
// session tokens if one exists).
func (s *Synthesizer) fillVariable(data []byte, slot model.FieldSlot, idx int, mapping Mapping, intent Intent, snap session.Snapshot, key session.SlotKey) {
	if role, ok := mapping.Roles[idx]; ok {
		if v, ok := intent.Params[role]; ok {
			writeClamped(data, slot, v, s.cfg.ClampLow, s.cfg.ClampHigh)
			return
		}
	}

	if tok, ok := snap.Tokens[key]; ok {
		copy(data[slot.Offset:slot.Offset+slot.Length], tok)
		return
	}

	if slot.Kind == model.KindEnum && len(slot.Values) > 0 {
		copy(data[slot.Offset:], slot.Values[0])
	}
	// Payload with no observation stays zero
}

// writeClamped writes an integer parameter into a slot big-endian,
// clamping single-byte slots to the configured safety range
func writeClamped(data []byte, slot model.FieldSlot, v, low, high int) {
	if slot.Length == 1 {
		if v < low {
			v = low
		}
		if v > high {
			v = high
		}
		data[slot.Offset] = byte(v)
		return
	}

	for i := slot.Length - 1; i >= 0; i-- {
		data[slot.Offset+i] = byte(v)
		v >>= 8
	}
}

// needsSessionState reports whether the template depends on live session
// observations: any counter slot, or any token slot the intent does not
// supply via a role parameter
func (s *Synthesizer) needsSessionState(tmpl model.MessageTemplate, mapping Mapping) bool {
	for idx, slot := range tmpl.Slots {
		switch slot.Kind {
		case model.KindCounter:
			return true
		case model.KindEnum, model.KindPayload:
			if _, ok := mapping.Roles[idx]; !ok {
				return true
			}
		}
	}
	return false
}
