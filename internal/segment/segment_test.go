package segment

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rfprobe/skytap/internal/checksum"
	"github.com/rfprobe/skytap/internal/frame"
	"github.com/rfprobe/skytap/internal/model"
)

// payloadByte produces a deterministic non-arithmetic byte sequence so a
// payload column is neither constant, counter, nor small enum
func payloadByte(i int) byte {
	return byte((i*i + i) & 0xFF)
}

// commandCorpus builds the 17-byte scenario corpus: bytes [0:4] constant
// AA 01 00 00, byte 4 a stride-1 counter that wraps 255->0, bytes 5-8
// free payload, bytes 9-15 zero, byte 16 the XOR of bytes [0:16)
func commandCorpus(n int, counterStart byte) []frame.Frame {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	frames := make([]frame.Frame, 0, n)

	for i := 0; i < n; i++ {
		data := make([]byte, 17)
		copy(data, []byte{0xAA, 0x01, 0x00, 0x00})
		data[4] = counterStart + byte(i)
		data[5] = payloadByte(i)
		data[6] = payloadByte(i + 3)
		data[7] = payloadByte(i + 7)
		data[8] = payloadByte(i + 11)
		data[16] = checksum.ComputeExcised(checksum.AlgXOR, data, 16, 1)[0]

		frames = append(frames, frame.New(base.Add(time.Duration(i)*50*time.Millisecond), frame.DirAppToDrone, data))
	}

	return frames
}

// ackCorpus builds 8-byte drone responses: constant "OK" prefix, stride-1
// counter, enum status byte, sum-mod-256 checksum at the tail
func ackCorpus(n int) []frame.Frame {
	base := time.Date(2026, 3, 14, 10, 0, 1, 0, time.UTC)
	frames := make([]frame.Frame, 0, n)
	statuses := []byte{0x00, 0x01}

	for i := 0; i < n; i++ {
		data := make([]byte, 8)
		copy(data, []byte{0x4F, 0x4B, 0x00, 0x00})
		data[4] = byte(100 + i)
		data[5] = statuses[i%2]
		data[6] = payloadByte(i + 5)
		data[7] = checksum.ComputeExcised(checksum.AlgSum256, data, 7, 1)[0]

		frames = append(frames, frame.New(base.Add(time.Duration(i)*50*time.Millisecond), frame.DirDroneToApp, data))
	}

	return frames
}

func slotAt(t *testing.T, tmpl model.MessageTemplate, offset int) model.FieldSlot {
	t.Helper()
	for _, s := range tmpl.Slots {
		if offset >= s.Offset && offset < s.Offset+s.Length {
			return s
		}
	}
	t.Fatalf("no slot at offset %d in template %d", offset, tmpl.ID)
	return model.FieldSlot{}
}

func TestSegmentCommandScenario(t *testing.T) {
	// 20 frames of length 17, counter wrapping 246..255,0..9
	frames := commandCorpus(20, 246)

	seg := New(DefaultConfig(), false)
	m, err := seg.Segment(frames)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	if m.Len() != 1 {
		t.Fatalf("model has %d templates, want 1", m.Len())
	}

	tmpl, ok := m.Template(1)
	if !ok {
		t.Fatalf("template 1 missing")
	}

	if tmpl.Length != 17 {
		t.Errorf("template length = %d, want 17", tmpl.Length)
	}

	header := slotAt(t, tmpl, 0)
	if header.Kind != model.KindConstant || !bytes.Equal(header.Value, []byte{0xAA, 0x01, 0x00, 0x00}) {
		t.Errorf("header slot = %+v, want constant AA 01 00 00", header)
	}

	counter := slotAt(t, tmpl, 4)
	if counter.Kind != model.KindCounter {
		t.Errorf("byte 4 classified as %s, want counter", counter.Kind)
	}
	if counter.Stride != 1 {
		t.Errorf("counter stride = %d, want 1", counter.Stride)
	}

	cs := slotAt(t, tmpl, 16)
	if cs.Kind != model.KindChecksum {
		t.Errorf("byte 16 classified as %s, want checksum", cs.Kind)
	}
	if cs.Algorithm != checksum.AlgXOR {
		t.Errorf("checksum algorithm = %s, want xor", cs.Algorithm)
	}

	// Payload bytes must not be claimed by the XOR degeneracy
	for _, off := range []int{5, 6, 7, 8} {
		s := slotAt(t, tmpl, off)
		if s.Kind == model.KindChecksum {
			t.Errorf("payload byte %d misclassified as checksum", off)
		}
	}
}

func TestSegmentDeterminism(t *testing.T) {
	frames := append(commandCorpus(20, 10), ackCorpus(12)...)

	seg := New(DefaultConfig(), false)

	first, err := seg.Segment(frames)
	if err != nil {
		t.Fatalf("first Segment failed: %v", err)
	}

	second, err := seg.Segment(frames)
	if err != nil {
		t.Fatalf("second Segment failed: %v", err)
	}

	a, b := first.Templates(), second.Templates()
	if len(a) != len(b) {
		t.Fatalf("template counts differ: %d vs %d", len(a), len(b))
	}

	for i := range a {
		if a[i].ID != b[i].ID || a[i].Length != b[i].Length || len(a[i].Slots) != len(b[i].Slots) {
			t.Errorf("template %d differs between runs: %+v vs %+v", i, a[i], b[i])
			continue
		}

		for j := range a[i].Slots {
			sa, sb := a[i].Slots[j], b[i].Slots[j]
			if sa.Offset != sb.Offset || sa.Length != sb.Length || sa.Kind != sb.Kind ||
				sa.Stride != sb.Stride || sa.Algorithm != sb.Algorithm || !bytes.Equal(sa.Value, sb.Value) {
				t.Errorf("template %d slot %d differs: %+v vs %+v", i, j, sa, sb)
			}
		}
	}
}

func TestSegmentEnumClassification(t *testing.T) {
	frames := ackCorpus(12)

	seg := New(DefaultConfig(), false)
	m, err := seg.Segment(frames)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	tmpl, ok := m.Template(1)
	if !ok {
		t.Fatalf("template 1 missing")
	}

	status := slotAt(t, tmpl, 5)
	if status.Kind != model.KindEnum {
		t.Errorf("status byte classified as %s, want enum", status.Kind)
	}
	if len(status.Values) != 2 {
		t.Errorf("enum value count = %d, want 2", len(status.Values))
	}

	cs := slotAt(t, tmpl, 7)
	if cs.Kind != model.KindChecksum || cs.Algorithm != checksum.AlgSum256 {
		t.Errorf("tail slot = kind %s alg %s, want checksum sum256", cs.Kind, cs.Algorithm)
	}
}

func TestSegmentHoldsSmallGroups(t *testing.T) {
	// 20 confirmable command frames plus 3 stray frames of another length
	frames := commandCorpus(20, 0)
	frames = append(frames, ackCorpus(3)...)

	seg := New(DefaultConfig(), false)
	m, err := seg.Segment(frames)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	if m.Len() != 1 {
		t.Errorf("model has %d templates, want 1 (small group held back)", m.Len())
	}
}

func TestSegmentInsufficientSample(t *testing.T) {
	seg := New(DefaultConfig(), false)

	_, err := seg.Segment(commandCorpus(3, 0))
	if !errors.Is(err, ErrInsufficientSample) {
		t.Errorf("Segment error = %v, want ErrInsufficientSample", err)
	}

	_, err = seg.Segment(nil)
	if !errors.Is(err, ErrInsufficientSample) {
		t.Errorf("Segment of empty corpus error = %v, want ErrInsufficientSample", err)
	}
}

func TestSegmentMatchesOwnCorpus(t *testing.T) {
	frames := append(commandCorpus(20, 100), ackCorpus(12)...)

	seg := New(DefaultConfig(), false)
	m, err := seg.Segment(frames)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	for i, f := range frames {
		if _, ok := m.Match(f.Data); !ok {
			t.Errorf("frame %d does not match its own model: %s", i, f)
		}
	}
}

func TestResegmentPreservesStableTemplates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StableThreshold = 10

	seg := New(cfg, false)

	m, err := seg.Segment(commandCorpus(20, 0))
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	before, _ := m.Template(1)
	if !before.Stable {
		t.Fatalf("template 1 should be stable at 20 observations")
	}

	// New traffic: more command frames plus a new ack family
	corpus := append(commandCorpus(15, 40), ackCorpus(12)...)

	refined, err := seg.Resegment(m, corpus)
	if err != nil {
		t.Fatalf("Resegment failed: %v", err)
	}

	if refined.Len() != 2 {
		t.Fatalf("refined model has %d templates, want 2", refined.Len())
	}

	after, ok := refined.Template(1)
	if !ok {
		t.Fatalf("stable template 1 lost during resegmentation")
	}

	// Slots unchanged, observation count grew
	if len(after.Slots) != len(before.Slots) {
		t.Errorf("stable template slots changed: %d vs %d", len(after.Slots), len(before.Slots))
	}
	for i := range before.Slots {
		if before.Slots[i].Kind != after.Slots[i].Kind || before.Slots[i].Offset != after.Slots[i].Offset {
			t.Errorf("stable template slot %d mutated: %+v vs %+v", i, before.Slots[i], after.Slots[i])
		}
	}
	if after.Observed != before.Observed+15 {
		t.Errorf("observed = %d, want %d", after.Observed, before.Observed+15)
	}

	// New family got a fresh ID above the existing ones
	added, ok := refined.Template(2)
	if !ok {
		t.Fatalf("new template missing")
	}
	if added.Length != 8 {
		t.Errorf("new template length = %d, want 8", added.Length)
	}

	// Original model untouched
	if m.Len() != 1 {
		t.Errorf("original model mutated: Len = %d, want 1", m.Len())
	}
}

func TestResegmentNoNewEvidence(t *testing.T) {
	seg := New(DefaultConfig(), false)

	m, err := seg.Segment(commandCorpus(20, 0))
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	// Only two unmatched strays: below MinSamples, nothing confirmed
	refined, err := seg.Resegment(m, ackCorpus(2))
	if err != nil {
		t.Fatalf("Resegment failed: %v", err)
	}

	if refined.Len() != 1 {
		t.Errorf("refined model has %d templates, want 1", refined.Len())
	}
}

func TestCounterWrapDetection(t *testing.T) {
	tests := []struct {
		name     string
		col      []byte
		stride   int
		expected bool
	}{
		{
			name:     "stride 1",
			col:      []byte{10, 11, 12, 13, 14},
			stride:   1,
			expected: true,
		},
		{
			name:     "stride 1 wrapping",
			col:      []byte{253, 254, 255, 0, 1},
			stride:   1,
			expected: true,
		},
		{
			name:     "stride 4",
			col:      []byte{0, 4, 8, 12, 16},
			stride:   4,
			expected: true,
		},
		{
			name:     "regression mid-sequence",
			col:      []byte{10, 11, 9, 12, 13},
			expected: false,
		},
		{
			name:     "constant",
			col:      []byte{7, 7, 7, 7},
			expected: false,
		},
		{
			name:     "irregular",
			col:      []byte{1, 2, 4, 8, 16},
			expected: false,
		},
		{
			name:     "descending",
			col:      []byte{10, 9, 8, 7},
			expected: false,
		},
		{
			name:     "large stride is descending in disguise",
			col:      []byte{0, 200, 144, 88},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stride, ok := detectCounter(tt.col)
			if ok != tt.expected {
				t.Errorf("detectCounter(%v) ok = %v, want %v", tt.col, ok, tt.expected)
			}
			if ok && stride != tt.stride {
				t.Errorf("detectCounter(%v) stride = %d, want %d", tt.col, stride, tt.stride)
			}
		})
	}
}
