package frame

import (
	"fmt"
	"strings"
	"time"
)

// Direction indicates which side of the control link sent a frame
type Direction uint8

const (
	DirAppToDrone Direction = iota // Controller app -> drone
	DirDroneToApp                  // Drone -> controller app
)

// String returns a human-readable direction label
func (d Direction) String() string {
	switch d {
	case DirAppToDrone:
		return "app->drone"
	case DirDroneToApp:
		return "drone->app"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Frame represents one captured or synthesized control-channel message.
// Frames are immutable once created; Data must not be modified after
// construction.
type Frame struct {
	Timestamp time.Time
	Direction Direction
	Data      []byte
}

// New creates a frame with its own copy of the raw bytes
func New(timestamp time.Time, direction Direction, data []byte) Frame {
	raw := make([]byte, len(data))
	copy(raw, data)

	return Frame{
		Timestamp: timestamp,
		Direction: direction,
		Data:      raw,
	}
}

// Length returns the frame length in bytes
func (f Frame) Length() int {
	return len(f.Data)
}

// Clone returns a deep copy of the frame
func (f Frame) Clone() Frame {
	return New(f.Timestamp, f.Direction, f.Data)
}

// String returns a compact hex representation for logging
func (f Frame) String() string {
	var sb strings.Builder
	for i, b := range f.Data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return fmt.Sprintf("Frame[%s, %d bytes]: %s", f.Direction, len(f.Data), sb.String())
}
