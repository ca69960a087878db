package transmit

import (
	"fmt"
	"log"
	"time"

	"github.com/rfprobe/skytap/internal/frame"
	"github.com/rfprobe/skytap/internal/session"
	"github.com/rfprobe/skytap/internal/synth"
)

// Outcome is the result of one transmit operation
type Outcome uint8

const (
	OutcomeAcknowledged   Outcome = iota // A correlated response arrived in time
	OutcomeUnacknowledged                // Sent, but no correlated response
	OutcomeTransportError                // Send failed, or retries exhausted
)

// String returns a human-readable outcome label
func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeUnacknowledged:
		return "unacknowledged"
	case OutcomeTransportError:
		return "transport error"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Transport is the raw send/receive channel to the target device.
// Receive returns (nil, nil) on timeout.
type Transport interface {
	Send(data []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// Config holds the transmitter tuning knobs
type Config struct {
	AckTimeout time.Duration // How long to wait for a correlated response
	MaxRetries int           // Consecutive Unacknowledged attempts before giving up
	BurstGap   time.Duration // Delay between frames of a burst command
}

// DefaultConfig returns the default transmit parameters
func DefaultConfig() Config {
	return Config{
		AckTimeout: 500 * time.Millisecond,
		MaxRetries: 3,
		BurstGap:   100 * time.Millisecond,
	}
}

// Transmitter sends synthesized frames over the transport with the
// cadence and acknowledgement discipline the target expects. Every
// received frame is fed back into the session tracker regardless of
// outcome.
type Transmitter struct {
	cfg       Config
	transport Transport
	tracker   *session.Tracker
	debug     bool
}

// NewTransmitter creates a transmitter over an open transport
func NewTransmitter(cfg Config, transport Transport, tracker *session.Tracker, debug bool) *Transmitter {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}

	return &Transmitter{
		cfg:       cfg,
		transport: transport,
		tracker:   tracker,
		debug:     debug,
	}
}

// Transmit sends the frame and waits for acknowledgement, retrying at
// most MaxRetries consecutive unacknowledged attempts before surfacing a
// transport error. No infinite retry: repeated unacknowledged sends risk
// detectable abuse of the channel and tell us nothing new once the
// counter value has been consumed.
func (t *Transmitter) Transmit(sf synth.SynthesizedFrame) Outcome {
	attempts := t.cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := t.sendOnce(sf); err != nil {
			log.Printf("Transmitter: send failed on attempt %d: %v", attempt, err)
			return OutcomeTransportError
		}

		if t.awaitAck(sf) {
			if t.debug {
				log.Printf("Transmitter: template %d acknowledged on attempt %d", sf.TemplateID, attempt)
			}
			return OutcomeAcknowledged
		}

		if t.debug {
			log.Printf("Transmitter: template %d unacknowledged, attempt %d/%d", sf.TemplateID, attempt, attempts)
		}
	}

	log.Printf("Transmitter: template %d exhausted %d attempts", sf.TemplateID, attempts)
	return OutcomeTransportError
}

// Push sends raw bytes with no acknowledgement wait. Used by the
// keep-alive refresh loop, which must never block on responses.
func (t *Transmitter) Push(data []byte) error {
	return t.transport.Send(data)
}

// sendOnce sends the frame, repeating it for burst commands
func (t *Transmitter) sendOnce(sf synth.SynthesizedFrame) error {
	for i := 0; i < sf.Burst; i++ {
		if i > 0 && t.cfg.BurstGap > 0 {
			time.Sleep(t.cfg.BurstGap)
		}
		if err := t.transport.Send(sf.Data); err != nil {
			return err
		}
	}
	return nil
}

// awaitAck drains responses until the ack deadline. A response counts as
// an acknowledgement when it matches a drone->app template in the frozen
// model and, if the catalogue pinned an ack template, that exact one.
func (t *Transmitter) awaitAck(sf synth.SynthesizedFrame) bool {
	deadline := time.Now().Add(t.cfg.AckTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		data, err := t.transport.Receive(remaining)
		if err != nil {
			log.Printf("Transmitter: receive error: %v", err)
			return false
		}
		if data == nil {
			return false
		}

		now := time.Now()
		f := frame.New(now, frame.DirDroneToApp, data)
		t.tracker.Observe(f)

		if t.correlates(sf, data) {
			t.tracker.RecordAck(now)
			return true
		}
	}
}

// correlates checks the template relationship between the sent frame and
// a response
func (t *Transmitter) correlates(sf synth.SynthesizedFrame, data []byte) bool {
	mdl := t.tracker.Model()
	if mdl == nil {
		return false
	}

	id, ok := mdl.Match(data)
	if !ok {
		return false
	}

	if sf.AckTemplate != 0 {
		return id == sf.AckTemplate
	}

	tmpl, ok := mdl.Template(id)
	return ok && tmpl.Direction == frame.DirDroneToApp
}
