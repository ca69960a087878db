package frame

import "sync"

// Ring implements a thread-safe bounded frame buffer. The ingestion loop
// appends every accepted frame; re-segmentation reads the retained corpus.
// When full, the oldest frame is overwritten.
type Ring struct {
	mu       sync.Mutex
	frames   []Frame
	head     int
	size     int
	capacity int
	dropped  uint64
	name     string
}

// NewRing creates a ring retaining at most capacity frames
func NewRing(capacity int, name string) *Ring {
	if capacity < 1 {
		capacity = 1
	}

	return &Ring{
		frames:   make([]Frame, capacity),
		capacity: capacity,
		name:     name,
	}
}

// Add appends a frame, evicting the oldest when full
func (r *Ring) Add(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames[r.head] = f
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	} else {
		r.dropped++
	}
}

// Snapshot returns the retained frames in arrival order
func (r *Ring) Snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Frame, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity

	for i := 0; i < r.size; i++ {
		out[i] = r.frames[(start+i)%r.capacity]
	}

	return out
}

// Len returns the number of retained frames
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Evicted returns the number of frames overwritten since creation
func (r *Ring) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear empties the ring
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.head = 0
	r.size = 0
}

// GetName returns the buffer name for debugging
func (r *Ring) GetName() string {
	return r.name
}
