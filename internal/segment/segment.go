package segment

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/rfprobe/skytap/internal/checksum"
	"github.com/rfprobe/skytap/internal/frame"
	"github.com/rfprobe/skytap/internal/model"
)

// ErrInsufficientSample is returned when segmentation cannot confirm a
// single template from the supplied corpus. Not fatal: the operator
// retries once more traffic has been captured.
var ErrInsufficientSample = errors.New("insufficient sample: no length group reached the minimum sample size")

// Config holds the segmentation tuning knobs
type Config struct {
	MinSamples         int     // Minimum frames per length group before confirmation
	ChecksumConfidence float64 // Fraction of samples a checksum trial must explain
	EnumMaxValues      int     // Largest distinct-value set still treated as an enum
	StableThreshold    int     // Observations before a template is considered stable
}

// DefaultConfig returns the default segmentation parameters
func DefaultConfig() Config {
	return Config{
		MinSamples:         5,
		ChecksumConfidence: 0.95,
		EnumMaxValues:      8,
		StableThreshold:    20,
	}
}

// Segmenter infers a message model from an unlabeled frame corpus. It is
// a one-shot batch operation and never runs concurrently with itself.
type Segmenter struct {
	cfg   Config
	debug bool
}

// New creates a segmenter with the given configuration
func New(cfg Config, debug bool) *Segmenter {
	if cfg.MinSamples < 2 {
		cfg.MinSamples = 2
	}
	if cfg.ChecksumConfidence <= 0 || cfg.ChecksumConfidence > 1 {
		cfg.ChecksumConfidence = 0.95
	}
	if cfg.EnumMaxValues < 1 {
		cfg.EnumMaxValues = 8
	}
	if cfg.StableThreshold < 1 {
		cfg.StableThreshold = 20
	}

	return &Segmenter{cfg: cfg, debug: debug}
}

// group is one message family candidate: frames sharing direction and length
type group struct {
	direction frame.Direction
	length    int
	frames    []frame.Frame
}

// Segment builds a message model from a finite frame corpus. Length
// groups below the minimum sample size are held back as unconfirmed.
// Running Segment twice over the same corpus yields an identical model.
func (s *Segmenter) Segment(frames []frame.Frame) (*model.MessageModel, error) {
	groups := s.groupFrames(frames)

	var templates []model.MessageTemplate
	nextID := uint32(1)
	held := 0

	for _, g := range groups {
		if len(g.frames) < s.cfg.MinSamples {
			held++
			if s.debug {
				log.Printf("Segmenter: holding %s length=%d group as unconfirmed (%d/%d samples)",
					g.direction, g.length, len(g.frames), s.cfg.MinSamples)
			}
			continue
		}

		t := s.analyzeGroup(nextID, g)
		templates = append(templates, t)
		nextID++

		if s.debug {
			log.Printf("Segmenter: confirmed %s", t.String())
		}
	}

	if len(templates) == 0 {
		return nil, fmt.Errorf("%w (%d unconfirmed groups)", ErrInsufficientSample, held)
	}

	m := model.New(templates)
	m.Freeze()

	return m, nil
}

// Resegment refines an existing model with newly retained frames. Stable
// templates are never mutated: frames matching an existing template only
// bump its observation count, and frames matching nothing spawn new
// templates with fresh IDs. A pass that confirms nothing new returns the
// existing templates unchanged.
func (s *Segmenter) Resegment(existing *model.MessageModel, frames []frame.Frame) (*model.MessageModel, error) {
	observed := make(map[uint32]int)
	var unmatched []frame.Frame

	for _, f := range frames {
		if id, ok := existing.Match(f.Data); ok {
			observed[id]++
		} else {
			unmatched = append(unmatched, f)
		}
	}

	templates := existing.Templates()
	for i := range templates {
		templates[i].Observed += observed[templates[i].ID]
		if templates[i].Observed >= s.cfg.StableThreshold {
			templates[i].Stable = true
		}
	}

	nextID := existing.MaxID() + 1
	added := 0

	for _, g := range s.groupFrames(unmatched) {
		if len(g.frames) < s.cfg.MinSamples {
			continue
		}

		t := s.analyzeGroup(nextID, g)
		templates = append(templates, t)
		nextID++
		added++

		if s.debug {
			log.Printf("Segmenter: resegmentation added %s", t.String())
		}
	}

	if len(templates) == 0 {
		return nil, ErrInsufficientSample
	}

	log.Printf("Segmenter: resegmentation complete, %d templates (%d new, %d unmatched frames)",
		len(templates), added, len(unmatched))

	m := model.New(templates)
	m.Freeze()

	return m, nil
}

// groupFrames partitions the corpus into direction+length groups, in
// timestamp order within each group and deterministic group order overall
func (s *Segmenter) groupFrames(frames []frame.Frame) []group {
	ordered := make([]frame.Frame, len(frames))
	copy(ordered, frames)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	type key struct {
		direction frame.Direction
		length    int
	}

	byKey := make(map[key]*group)
	var keys []key

	for _, f := range ordered {
		if len(f.Data) == 0 {
			continue
		}

		k := key{f.Direction, len(f.Data)}
		g, ok := byKey[k]
		if !ok {
			g = &group{direction: k.direction, length: k.length}
			byKey[k] = g
			keys = append(keys, k)
		}

		g.frames = append(g.frames, f)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].direction != keys[j].direction {
			return keys[i].direction < keys[j].direction
		}
		return keys[i].length < keys[j].length
	})

	out := make([]group, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}

	return out
}

// analyzeGroup classifies every byte offset of a length group and builds
// the resulting template. Classification order per offset: constant,
// counter, checksum, enum, payload.
func (s *Segmenter) analyzeGroup(id uint32, g group) model.MessageTemplate {
	n := len(g.frames)
	length := g.length

	kinds := make([]model.FieldKind, length)
	strides := make([]int, length)
	algs := make([]checksum.Algorithm, length)
	widths := make([]int, length)
	enums := make([][][]byte, length)
	claimed := make([]bool, length)

	// Pass 1: constants and counters, per offset
	for off := 0; off < length; off++ {
		col := column(g.frames, off)

		if allEqual(col) {
			kinds[off] = model.KindConstant
			claimed[off] = true
			continue
		}

		if stride, ok := detectCounter(col); ok {
			kinds[off] = model.KindCounter
			strides[off] = stride
			claimed[off] = true
		}
	}

	// Pass 2: checksum trials over the remaining variable offsets,
	// scanned from the tail since checksums trail the bytes they cover.
	// One checksum per template: when an XOR fold covers all other
	// bytes, every variable byte equals the XOR of the rest (the whole
	// frame XORs to zero), so the scan must stop at the first hit.
	// Two-byte windows are tried before single bytes so a 16-bit CRC is
	// not misread as two unrelated fields.
	for off := length - 1; off >= 0; off-- {
		if claimed[off] {
			continue
		}

		if off > 0 && !claimed[off-1] {
			if alg, ok := s.trialChecksum(g.frames, off-1, 2); ok {
				kinds[off-1] = model.KindChecksum
				algs[off-1] = alg
				widths[off-1] = 2
				claimed[off-1] = true
				claimed[off] = true
				kinds[off] = model.KindChecksum
				break
			}
		}

		if alg, ok := s.trialChecksum(g.frames, off, 1); ok {
			kinds[off] = model.KindChecksum
			algs[off] = alg
			widths[off] = 1
			claimed[off] = true
			break
		}
	}

	// Pass 3: enums, then payload for whatever is left
	for off := 0; off < length; off++ {
		if claimed[off] {
			continue
		}

		col := column(g.frames, off)
		distinct := distinctValues(col)

		if len(distinct) <= s.cfg.EnumMaxValues && len(distinct) < n {
			kinds[off] = model.KindEnum
			enums[off] = distinct
		} else {
			kinds[off] = model.KindPayload
		}
		claimed[off] = true
	}

	slots := buildSlots(g.frames[0].Data, kinds, strides, algs, widths, enums)

	return model.MessageTemplate{
		ID:        id,
		Length:    length,
		Direction: g.direction,
		Slots:     slots,
		Observed:  n,
		Stable:    n >= s.cfg.StableThreshold,
	}
}

// trialChecksum tests every candidate algorithm of the given width at
// offset off, where the checksum covers all other bytes of the frame.
// The first algorithm meeting the confidence threshold wins; candidate
// order is fixed, so the result is deterministic.
func (s *Segmenter) trialChecksum(frames []frame.Frame, off, width int) (checksum.Algorithm, bool) {
	needed := int(float64(len(frames))*s.cfg.ChecksumConfidence + 0.5)
	if needed < 1 {
		needed = 1
	}

	for _, alg := range checksum.Candidates() {
		if alg.Width() != width {
			continue
		}

		hits := 0
		for _, f := range frames {
			if bytes.Equal(checksum.ComputeExcised(alg, f.Data, off, width), f.Data[off:off+width]) {
				hits++
			}
		}

		if hits >= needed {
			return alg, true
		}
	}

	return checksum.AlgNone, false
}

// detectCounter reports whether the column forms a monotonic arithmetic
// sequence with constant stride. Deltas are taken modulo 256, which
// accepts exactly one negative step at the wrap boundary and nowhere
// else. Strides above 128 are a descending sequence in disguise and are
// rejected; the session tracker only accepts forward distances up to
// 128, so both layers must agree on what counts as a counter.
func detectCounter(col []byte) (int, bool) {
	if len(col) < 2 {
		return 0, false
	}

	stride := int(col[1]-col[0]) & 0xFF
	if stride == 0 || stride > 128 {
		return 0, false
	}

	for i := 2; i < len(col); i++ {
		if int(col[i]-col[i-1])&0xFF != stride {
			return 0, false
		}
	}

	return stride, true
}

// buildSlots converts per-offset classifications into slots, merging
// adjacent constant and payload runs into multi-byte regions
func buildSlots(sample []byte, kinds []model.FieldKind, strides []int, algs []checksum.Algorithm, widths []int, enums [][][]byte) []model.FieldSlot {
	var slots []model.FieldSlot
	length := len(kinds)

	for off := 0; off < length; {
		switch kinds[off] {
		case model.KindConstant:
			end := off + 1
			for end < length && kinds[end] == model.KindConstant {
				end++
			}
			slots = append(slots, model.FieldSlot{
				Offset: off,
				Length: end - off,
				Kind:   model.KindConstant,
				Value:  append([]byte(nil), sample[off:end]...),
			})
			off = end

		case model.KindCounter:
			slots = append(slots, model.FieldSlot{
				Offset: off,
				Length: 1,
				Kind:   model.KindCounter,
				Stride: strides[off],
			})
			off++

		case model.KindChecksum:
			w := widths[off]
			if w == 0 {
				// Trailing byte of a two-byte checksum, consumed above
				off++
				continue
			}
			slots = append(slots, model.FieldSlot{
				Offset:    off,
				Length:    w,
				Kind:      model.KindChecksum,
				Algorithm: algs[off],
			})
			off += w

		case model.KindEnum:
			slots = append(slots, model.FieldSlot{
				Offset: off,
				Length: 1,
				Kind:   model.KindEnum,
				Values: enums[off],
			})
			off++

		default:
			end := off + 1
			for end < length && kinds[end] == model.KindPayload {
				end++
			}
			slots = append(slots, model.FieldSlot{
				Offset: off,
				Length: end - off,
				Kind:   model.KindPayload,
			})
			off = end
		}
	}

	return slots
}

// column extracts the byte at offset off from every frame, in order
func column(frames []frame.Frame, off int) []byte {
	col := make([]byte, len(frames))
	for i, f := range frames {
		col[i] = f.Data[off]
	}
	return col
}

// allEqual reports whether every byte in the column is identical
func allEqual(col []byte) bool {
	for i := 1; i < len(col); i++ {
		if col[i] != col[0] {
			return false
		}
	}
	return true
}

// distinctValues returns the distinct single-byte values of a column in
// first-observation order
func distinctValues(col []byte) [][]byte {
	var seen [256]bool
	var out [][]byte

	for _, b := range col {
		if !seen[b] {
			seen[b] = true
			out = append(out, []byte{b})
		}
	}

	return out
}
