package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rfprobe/skytap/internal/frame"
	"github.com/rfprobe/skytap/internal/model"
)

// State is the tracker's lifecycle state
type State uint8

const (
	StateLearning State = iota // No frozen model yet, or re-segmentation in progress
	StateTracking              // Frozen model adopted, live state maintained
	StateDrifted               // Unmatched traffic exceeded the drift threshold
)

// String returns a human-readable state label
func (s State) String() string {
	switch s {
	case StateLearning:
		return "LEARNING"
	case StateTracking:
		return "TRACKING"
	case StateDrifted:
		return "DRIFTED"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// SlotKey identifies one tracked slot: template ID plus byte offset
type SlotKey struct {
	TemplateID uint32
	Offset     int
}

// String renders the key as "template:offset" for logging and persistence
func (k SlotKey) String() string {
	return fmt.Sprintf("%d:%d", k.TemplateID, k.Offset)
}

// Snapshot is an immutable copy of the live session state, taken by the
// command path before building a frame. It may be one frame stale; that
// is acceptable because counters only advance and staleness is bounded
// by the synthesizer's freshness window.
type Snapshot struct {
	State       State
	Counters    map[SlotKey]byte
	Tokens      map[SlotKey][]byte
	LastUpdate  time.Time
	LastAck     time.Time
	DriftCount  int
	Anomalies   uint64
	FramesSeen  uint64
	FramesMatch uint64
}

// Config holds the tracker tuning knobs
type Config struct {
	DriftThreshold int           // Unmatched frames within the window before DRIFTED
	DriftWindow    time.Duration // Sliding window for drift accounting
}

// DefaultConfig returns the default tracker parameters
func DefaultConfig() Config {
	return Config{
		DriftThreshold: 25,
		DriftWindow:    30 * time.Second,
	}
}

// Tracker maintains live protocol state derived from the frozen model
// applied to the ongoing frame stream. Single-writer discipline: only the
// ingestion loop calls Observe; everyone else reads snapshots.
type Tracker struct {
	cfg   Config
	debug bool

	mu          sync.RWMutex
	state       State
	model       *model.MessageModel
	counters    map[SlotKey]byte
	tokens      map[SlotKey][]byte
	lastUpdate  time.Time
	lastAck     time.Time
	unmatched   []time.Time
	anomalies   uint64
	framesSeen  uint64
	framesMatch uint64

	drift chan struct{}
}

// NewTracker creates a tracker in the LEARNING state
func NewTracker(cfg Config, debug bool) *Tracker {
	if cfg.DriftThreshold < 1 {
		cfg.DriftThreshold = 25
	}
	if cfg.DriftWindow <= 0 {
		cfg.DriftWindow = 30 * time.Second
	}

	return &Tracker{
		cfg:      cfg,
		debug:    debug,
		state:    StateLearning,
		counters: make(map[SlotKey]byte),
		tokens:   make(map[SlotKey][]byte),
		drift:    make(chan struct{}, 1),
	}
}

// Drift returns a channel that receives a signal when the tracker enters
// the DRIFTED state. Advisory, not an error: the controller responds by
// scheduling a re-segmentation pass.
func (t *Tracker) Drift() <-chan struct{} {
	return t.drift
}

// Adopt installs a frozen model and transitions LEARNING -> TRACKING.
// Counters and tokens carry over so replay state survives refinement.
func (t *Tracker) Adopt(m *model.MessageModel) error {
	if m == nil || !m.Frozen() {
		return fmt.Errorf("tracker: refusing to adopt an unfrozen model")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.model = m
	t.state = StateTracking
	t.unmatched = nil

	log.Printf("Tracker: TRACKING with %d templates", m.Len())
	return nil
}

// Relearn transitions DRIFTED -> LEARNING on an explicit re-segmentation
// request. Observe calls are ignored until a new model is adopted.
func (t *Tracker) Relearn() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = StateLearning
	t.unmatched = nil

	log.Printf("Tracker: LEARNING (re-segmentation requested)")
}

// State returns the current lifecycle state
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Model returns the adopted model, or nil while learning
func (t *Tracker) Model() *model.MessageModel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model
}

// Observe feeds one live frame into the tracker. Matched frames update
// counter and token state for the template's non-constant slots;
// unmatched frames feed the drift window. Called only from the ingestion
// loop.
func (t *Tracker) Observe(f frame.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.framesSeen++

	if t.state == StateLearning || t.model == nil {
		return
	}

	id, ok := t.model.Match(f.Data)
	if !ok {
		t.recordUnmatched(f.Timestamp)
		return
	}

	t.framesMatch++
	tmpl, _ := t.model.Template(id)
	t.applyFrame(tmpl, f)
}

// RecordAck notes a correlated drone acknowledgement, reported by the
// replay transmitter
func (t *Tracker) RecordAck(when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAck = when
}

// applyFrame updates counters and tokens from a matched frame.
// Counter fields must only advance: a value that is neither the stored
// value nor a forward stride step is an anomaly and does not move the
// stored state backward, since replay must always present a value the
// drone accepts as new.
func (t *Tracker) applyFrame(tmpl model.MessageTemplate, f frame.Frame) {
	for _, s := range tmpl.Slots {
		key := SlotKey{tmpl.ID, s.Offset}

		switch s.Kind {
		case model.KindCounter:
			observed := f.Data[s.Offset]
			stored, seen := t.counters[key]

			if !seen || counterAdvances(stored, observed, s.Stride) {
				t.counters[key] = observed
			} else {
				t.anomalies++
				if t.debug {
					log.Printf("Tracker: counter regression on %s: stored=0x%02X observed=0x%02X stride=%d",
						key, stored, observed, s.Stride)
				}
			}

		case model.KindEnum, model.KindPayload:
			tok := make([]byte, s.Length)
			copy(tok, f.Data[s.Offset:s.Offset+s.Length])
			t.tokens[key] = tok
		}
	}

	t.lastUpdate = f.Timestamp

	if f.Direction == frame.DirDroneToApp {
		t.lastAck = f.Timestamp
	}
}

// counterAdvances reports whether observed is a legal forward move from
// stored under the detected stride, modulo the byte wrap boundary. Any
// number of missed frames is tolerated as long as the distance is an
// exact multiple of the stride (capture gaps drop frames, the counter
// keeps going).
func counterAdvances(stored, observed byte, stride int) bool {
	if stride <= 0 {
		return true
	}

	dist := int(observed-stored) & 0xFF
	if dist == 0 {
		return true
	}

	// Forward means a small modular distance that is an exact multiple
	// of the stride. A regression by k shows up as distance 256-k, which
	// lands in the upper half and is rejected. The wrap step 255->0 has
	// distance equal to the stride and is accepted.
	return dist%stride == 0 && dist <= 128
}

// recordUnmatched adds one miss to the sliding drift window and
// transitions to DRIFTED exactly when the threshold is reached
func (t *Tracker) recordUnmatched(when time.Time) {
	cutoff := when.Add(-t.cfg.DriftWindow)
	kept := t.unmatched[:0]
	for _, ts := range t.unmatched {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.unmatched = append(kept, when)

	if t.state == StateTracking && len(t.unmatched) >= t.cfg.DriftThreshold {
		t.state = StateDrifted
		log.Printf("Tracker: DRIFTED (%d unmatched frames within %v)",
			len(t.unmatched), t.cfg.DriftWindow)

		select {
		case t.drift <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns an immutable copy of the session state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		State:       t.state,
		Counters:    make(map[SlotKey]byte, len(t.counters)),
		Tokens:      make(map[SlotKey][]byte, len(t.tokens)),
		LastUpdate:  t.lastUpdate,
		LastAck:     t.lastAck,
		DriftCount:  len(t.unmatched),
		Anomalies:   t.anomalies,
		FramesSeen:  t.framesSeen,
		FramesMatch: t.framesMatch,
	}

	for k, v := range t.counters {
		snap.Counters[k] = v
	}
	for k, v := range t.tokens {
		snap.Tokens[k] = append([]byte(nil), v...)
	}

	return snap
}

// Restore installs previously persisted counter and token state, used
// when resuming a session from the snapshot store
func (t *Tracker) Restore(counters map[SlotKey]byte, tokens map[SlotKey][]byte, lastUpdate time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, v := range counters {
		t.counters[k] = v
	}
	for k, v := range tokens {
		t.tokens[k] = append([]byte(nil), v...)
	}

	if lastUpdate.After(t.lastUpdate) {
		t.lastUpdate = lastUpdate
	}
}
