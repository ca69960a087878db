package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfprobe/skytap/internal/frame"
)

// Capture is one raw record from the external capture collaborator. This
// core never opens capture devices itself; the collaborator delivers
// timestamped datagrams with their transport ports.
type Capture struct {
	Timestamp time.Time
	Direction frame.Direction
	SrcPort   int
	DstPort   int
	Data      []byte
}

// Config holds the ingestor filter and escalation settings
type Config struct {
	Port         int // Control-channel port; frames not touching it are dropped
	GapThreshold int // Out-of-order/gap observations before escalation
}

// DefaultConfig returns the default ingestion parameters
func DefaultConfig() Config {
	return Config{
		Port:         8090,
		GapThreshold: 50,
	}
}

// Ingestor normalizes the capture stream into Frames for the rest of the
// pipeline. It consumes a live external stream: one-shot, not
// restartable. Frames outside the port criteria are dropped silently and
// counted, not logged as errors.
type Ingestor struct {
	cfg   Config
	debug bool

	out    chan frame.Frame
	events chan string

	accepted uint64
	filtered uint64
	gaps     uint64

	mu       sync.Mutex
	running  bool
	finished bool
	lastTS   time.Time
}

// New creates an ingestor
func New(cfg Config, debug bool) *Ingestor {
	if cfg.GapThreshold < 1 {
		cfg.GapThreshold = 50
	}

	return &Ingestor{
		cfg:    cfg,
		debug:  debug,
		out:    make(chan frame.Frame, 50),
		events: make(chan string, 10),
	}
}

// Frames returns the normalized frame stream
func (i *Ingestor) Frames() <-chan frame.Frame {
	return i.out
}

// Events returns advisory notifications (gap-rate escalation)
func (i *Ingestor) Events() <-chan string {
	return i.events
}

// Run consumes the capture stream until the context is cancelled or the
// stream closes. The frame channel is closed on exit. A second Run call
// fails: the stream is infinite and not restartable.
func (i *Ingestor) Run(ctx context.Context, in <-chan Capture) error {
	i.mu.Lock()
	if i.running || i.finished {
		i.mu.Unlock()
		return fmt.Errorf("ingestor already started")
	}
	i.running = true
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.running = false
		i.finished = true
		i.mu.Unlock()
		close(i.out)
	}()

	log.Printf("Ingestor: filtering to port %d", i.cfg.Port)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c, ok := <-in:
			if !ok {
				log.Printf("Ingestor: capture stream closed")
				return nil
			}
			i.handle(ctx, c)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, c Capture) {
	if len(c.Data) == 0 {
		atomic.AddUint64(&i.filtered, 1)
		return
	}

	if i.cfg.Port != 0 && c.SrcPort != i.cfg.Port && c.DstPort != i.cfg.Port {
		atomic.AddUint64(&i.filtered, 1)
		return
	}

	i.trackGaps(c.Timestamp)

	f := frame.New(c.Timestamp, c.Direction, c.Data)
	atomic.AddUint64(&i.accepted, 1)

	if i.debug {
		log.Printf("Ingestor: %s", f.String())
	}

	select {
	case i.out <- f:
	case <-ctx.Done():
	}
}

// trackGaps counts out-of-order timestamps. Gaps are tolerated locally;
// only a rate above the threshold is escalated, once, as an advisory.
func (i *Ingestor) trackGaps(ts time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.lastTS.IsZero() && ts.Before(i.lastTS) {
		gaps := atomic.AddUint64(&i.gaps, 1)

		if gaps == uint64(i.cfg.GapThreshold) {
			select {
			case i.events <- fmt.Sprintf("capture gap rate exceeded: %d out-of-order frames", gaps):
			default:
			}
		}
		return
	}

	i.lastTS = ts
}

// Stats returns the accepted, filtered, and gap counters
func (i *Ingestor) Stats() (accepted, filtered, gaps uint64) {
	return atomic.LoadUint64(&i.accepted), atomic.LoadUint64(&i.filtered), atomic.LoadUint64(&i.gaps)
}
