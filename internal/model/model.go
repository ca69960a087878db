package model

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/rfprobe/skytap/internal/checksum"
	"github.com/rfprobe/skytap/internal/frame"
)

// FieldKind classifies a byte region within a message template
type FieldKind uint8

const (
	KindConstant FieldKind = iota // Same bytes in every observed frame
	KindCounter                   // Monotonic arithmetic sequence with fixed stride
	KindChecksum                  // Function of all other bytes in the frame
	KindEnum                      // Small repeating set of observed values
	KindPayload                   // Free variable region
)

// String returns the canonical kind name
func (k FieldKind) String() string {
	switch k {
	case KindConstant:
		return "constant"
	case KindCounter:
		return "counter"
	case KindChecksum:
		return "checksum"
	case KindEnum:
		return "enum"
	case KindPayload:
		return "payload"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FieldSlot describes one typed byte region of a template. Exactly the
// kind-specific fields for Kind are meaningful; the rest are zero.
type FieldSlot struct {
	Offset int
	Length int
	Kind   FieldKind

	Value     []byte             // KindConstant: the fixed bytes
	Stride    int                // KindCounter: per-frame increment
	Algorithm checksum.Algorithm // KindChecksum: identified algorithm
	Values    [][]byte           // KindEnum: observed value set, deterministic order
}

// Clone returns a deep copy of the slot
func (s FieldSlot) Clone() FieldSlot {
	out := s

	if s.Value != nil {
		out.Value = append([]byte(nil), s.Value...)
	}

	if s.Values != nil {
		out.Values = make([][]byte, len(s.Values))
		for i, v := range s.Values {
			out.Values[i] = append([]byte(nil), v...)
		}
	}

	return out
}

// MessageTemplate is the structural pattern shared by a family of frames.
// A template that has crossed the stability threshold is never mutated;
// conflicting traffic spawns a new template instead.
type MessageTemplate struct {
	ID        uint32
	Length    int
	Direction frame.Direction
	Slots     []FieldSlot
	Observed  int
	Stable    bool
}

// Clone returns a deep copy of the template
func (t MessageTemplate) Clone() MessageTemplate {
	out := t
	out.Slots = make([]FieldSlot, len(t.Slots))

	for i, s := range t.Slots {
		out.Slots[i] = s.Clone()
	}

	return out
}

// Matches reports whether raw data fits this template: length equal and
// every constant slot equal
func (t MessageTemplate) Matches(data []byte) bool {
	if len(data) != t.Length {
		return false
	}

	for _, s := range t.Slots {
		if s.Kind != KindConstant {
			continue
		}
		if !bytes.Equal(data[s.Offset:s.Offset+s.Length], s.Value) {
			return false
		}
	}

	return true
}

// ChecksumSlot returns the template's checksum slot, if one was identified
func (t MessageTemplate) ChecksumSlot() (FieldSlot, bool) {
	for _, s := range t.Slots {
		if s.Kind == KindChecksum {
			return s, true
		}
	}
	return FieldSlot{}, false
}

// CounterSlots returns the template's counter slots in offset order
func (t MessageTemplate) CounterSlots() []FieldSlot {
	var out []FieldSlot
	for _, s := range t.Slots {
		if s.Kind == KindCounter {
			out = append(out, s)
		}
	}
	return out
}

// String returns a one-line template summary for logging
func (t MessageTemplate) String() string {
	return fmt.Sprintf("Template[%d]: %s, %d bytes, %d slots, %d observed, stable=%v",
		t.ID, t.Direction, t.Length, len(t.Slots), t.Observed, t.Stable)
}

// MessageModel is the set of all known templates. Once frozen it is a
// read-only value; refinement produces a new model rather than mutating
// the one live readers hold.
type MessageModel struct {
	templates []MessageTemplate
	frozen    bool
}

// New creates a model from the given templates, ordered by ID
func New(templates []MessageTemplate) *MessageModel {
	m := &MessageModel{
		templates: make([]MessageTemplate, len(templates)),
	}

	for i, t := range templates {
		m.templates[i] = t.Clone()
	}

	sort.Slice(m.templates, func(i, j int) bool {
		return m.templates[i].ID < m.templates[j].ID
	})

	return m
}

// Freeze marks the model read-only for the live replay phase
func (m *MessageModel) Freeze() {
	m.frozen = true
}

// Frozen reports whether the model has been frozen
func (m *MessageModel) Frozen() bool {
	return m.frozen
}

// Len returns the number of templates
func (m *MessageModel) Len() int {
	return len(m.templates)
}

// Templates returns a deep copy of all templates in ID order
func (m *MessageModel) Templates() []MessageTemplate {
	out := make([]MessageTemplate, len(m.templates))
	for i, t := range m.templates {
		out[i] = t.Clone()
	}
	return out
}

// Template looks up a template by ID
func (m *MessageModel) Template(id uint32) (MessageTemplate, bool) {
	for _, t := range m.templates {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	return MessageTemplate{}, false
}

// MaxID returns the highest template ID, or 0 for an empty model
func (m *MessageModel) MaxID() uint32 {
	var max uint32
	for _, t := range m.templates {
		if t.ID > max {
			max = t.ID
		}
	}
	return max
}

// Match finds the template the raw data belongs to. Among candidates the
// template with the most confirmed observations wins; ties break to the
// lowest ID for determinism. A miss is not an error: it signals
// potential model drift and is counted by the session tracker.
func (m *MessageModel) Match(data []byte) (uint32, bool) {
	bestIdx := -1

	for i, t := range m.templates {
		if !t.Matches(data) {
			continue
		}
		if bestIdx < 0 || t.Observed > m.templates[bestIdx].Observed {
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return 0, false
	}

	return m.templates[bestIdx].ID, true
}

// WithTemplates returns a new unfrozen model containing this model's
// templates plus the given additions. The receiver is unchanged; stable
// templates carry over untouched.
func (m *MessageModel) WithTemplates(added ...MessageTemplate) *MessageModel {
	all := m.Templates()
	for _, t := range added {
		all = append(all, t.Clone())
	}
	return New(all)
}
