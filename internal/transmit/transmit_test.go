package transmit

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rfprobe/skytap/internal/frame"
	"github.com/rfprobe/skytap/internal/model"
	"github.com/rfprobe/skytap/internal/session"
	"github.com/rfprobe/skytap/internal/synth"
)

// fakeTransport queues canned responses and records every send. Receive
// pops one response per call and reports timeout once the queue is
// empty, mirroring the UDP transport's (nil, nil) convention.
type fakeTransport struct {
	sent      [][]byte
	responses [][]byte
	sendErr   error
	recvErr   error
}

func (f *fakeTransport) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Receive(timeout time.Duration) ([]byte, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if len(f.responses) == 0 {
		return nil, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeTransport) Close() error { return nil }

// ackModel builds a frozen model with one command template and two
// response templates
func ackModel() *model.MessageModel {
	m := model.New([]model.MessageTemplate{
		{
			ID:        1,
			Length:    7,
			Direction: frame.DirAppToDrone,
			Slots: []model.FieldSlot{
				{Offset: 0, Length: 1, Kind: model.KindConstant, Value: []byte{0x66}},
				{Offset: 1, Length: 5, Kind: model.KindPayload},
				{Offset: 6, Length: 1, Kind: model.KindConstant, Value: []byte{0x99}},
			},
		},
		{
			ID:        2,
			Length:    3,
			Direction: frame.DirDroneToApp,
			Slots: []model.FieldSlot{
				{Offset: 0, Length: 2, Kind: model.KindConstant, Value: []byte{0x4F, 0x4B}},
				{Offset: 2, Length: 1, Kind: model.KindPayload},
			},
		},
		{
			ID:        3,
			Length:    4,
			Direction: frame.DirDroneToApp,
			Slots: []model.FieldSlot{
				{Offset: 0, Length: 2, Kind: model.KindConstant, Value: []byte{0x53, 0x54}},
				{Offset: 2, Length: 2, Kind: model.KindPayload},
			},
		},
	})
	m.Freeze()
	return m
}

func testTransmitter(t *testing.T, tp *fakeTransport, cfg Config) (*Transmitter, *session.Tracker) {
	t.Helper()

	tracker := session.NewTracker(session.DefaultConfig(), false)
	if err := tracker.Adopt(ackModel()); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	return NewTransmitter(cfg, tp, tracker, false), tracker
}

func commandFrame() synth.SynthesizedFrame {
	return synth.SynthesizedFrame{
		TemplateID: 1,
		Data:       []byte{0x66, 0x80, 0x80, 0x80, 0x80, 0x00, 0x99},
		Burst:      1,
	}
}

func TestTransmitAcknowledged(t *testing.T) {
	tp := &fakeTransport{responses: [][]byte{{0x4F, 0x4B, 0x01}}}
	cfg := Config{AckTimeout: 100 * time.Millisecond, MaxRetries: 3}
	tx, tracker := testTransmitter(t, tp, cfg)

	outcome := tx.Transmit(commandFrame())
	if outcome != OutcomeAcknowledged {
		t.Errorf("outcome = %s, want acknowledged", outcome)
	}

	if len(tp.sent) != 1 {
		t.Errorf("sent %d frames, want 1 (no retry after ack)", len(tp.sent))
	}

	snap := tracker.Snapshot()
	if snap.LastAck.IsZero() {
		t.Errorf("acknowledgement not recorded in session state")
	}
	if snap.FramesSeen != 1 {
		t.Errorf("response not fed to tracker: FramesSeen = %d", snap.FramesSeen)
	}
}

func TestTransmitRetriesExhausted(t *testing.T) {
	tp := &fakeTransport{}
	cfg := Config{AckTimeout: 10 * time.Millisecond, MaxRetries: 3}
	tx, _ := testTransmitter(t, tp, cfg)

	outcome := tx.Transmit(commandFrame())
	if outcome != OutcomeTransportError {
		t.Errorf("outcome = %s, want transport error", outcome)
	}

	// MaxRetries counts retries after the first attempt
	if len(tp.sent) != 4 {
		t.Errorf("sent %d frames, want 4", len(tp.sent))
	}
}

func TestTransmitSendError(t *testing.T) {
	tp := &fakeTransport{sendErr: errors.New("network is unreachable")}
	cfg := Config{AckTimeout: 10 * time.Millisecond, MaxRetries: 3}
	tx, _ := testTransmitter(t, tp, cfg)

	if outcome := tx.Transmit(commandFrame()); outcome != OutcomeTransportError {
		t.Errorf("outcome = %s, want transport error", outcome)
	}
}

func TestTransmitIgnoresUncorrelatedResponses(t *testing.T) {
	// An unknown frame arrives before the real acknowledgement; both are
	// fed to the tracker, only the second correlates
	tp := &fakeTransport{responses: [][]byte{
		{0xDE, 0xAD, 0xBE, 0xEF, 0x00},
		{0x4F, 0x4B, 0x02},
	}}
	cfg := Config{AckTimeout: 100 * time.Millisecond, MaxRetries: 0}
	tx, tracker := testTransmitter(t, tp, cfg)

	outcome := tx.Transmit(commandFrame())
	if outcome != OutcomeAcknowledged {
		t.Errorf("outcome = %s, want acknowledged", outcome)
	}

	if snap := tracker.Snapshot(); snap.FramesSeen != 2 {
		t.Errorf("FramesSeen = %d, want 2", snap.FramesSeen)
	}
}

func TestTransmitPinnedAckTemplate(t *testing.T) {
	// The catalogue pinned ack template 3; a template 2 response must not
	// count as the acknowledgement
	tp := &fakeTransport{responses: [][]byte{{0x4F, 0x4B, 0x01}}}
	cfg := Config{AckTimeout: 10 * time.Millisecond, MaxRetries: 0}
	tx, _ := testTransmitter(t, tp, cfg)

	sf := commandFrame()
	sf.AckTemplate = 3

	if outcome := tx.Transmit(sf); outcome != OutcomeTransportError {
		t.Errorf("outcome = %s, want transport error", outcome)
	}

	// And the pinned template does count
	tp2 := &fakeTransport{responses: [][]byte{{0x53, 0x54, 0x00, 0x01}}}
	tx2, _ := testTransmitter(t, tp2, cfg)

	if outcome := tx2.Transmit(sf); outcome != OutcomeAcknowledged {
		t.Errorf("pinned ack outcome = %s, want acknowledged", outcome)
	}
}

func TestTransmitBurst(t *testing.T) {
	tp := &fakeTransport{responses: [][]byte{{0x4F, 0x4B, 0x01}}}
	cfg := Config{AckTimeout: 100 * time.Millisecond, MaxRetries: 0}
	tx, _ := testTransmitter(t, tp, cfg)

	sf := commandFrame()
	sf.Burst = 3

	if outcome := tx.Transmit(sf); outcome != OutcomeAcknowledged {
		t.Errorf("outcome = %s, want acknowledged", outcome)
	}

	if len(tp.sent) != 3 {
		t.Errorf("sent %d frames, want 3 (burst)", len(tp.sent))
	}
	for i, data := range tp.sent {
		if !bytes.Equal(data, sf.Data) {
			t.Errorf("burst frame %d = % X, want % X", i, data, sf.Data)
		}
	}
}

func TestPush(t *testing.T) {
	tp := &fakeTransport{responses: [][]byte{{0x4F, 0x4B, 0x01}}}
	cfg := DefaultConfig()
	tx, tracker := testTransmitter(t, tp, cfg)

	if err := tx.Push([]byte{0x66, 0x01, 0x99}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if len(tp.sent) != 1 {
		t.Errorf("sent %d frames, want 1", len(tp.sent))
	}

	// Fire-and-forget: the queued response was never read
	if len(tp.responses) != 1 {
		t.Errorf("Push consumed a response")
	}
	if snap := tracker.Snapshot(); snap.FramesSeen != 0 {
		t.Errorf("Push fed frames to the tracker")
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		expected string
	}{
		{OutcomeAcknowledged, "acknowledged"},
		{OutcomeUnacknowledged, "unacknowledged"},
		{OutcomeTransportError, "transport error"},
	}

	for _, tt := range tests {
		if tt.outcome.String() != tt.expected {
			t.Errorf("Outcome.String() = %q, want %q", tt.outcome.String(), tt.expected)
		}
	}
}
