package ingest

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rfprobe/skytap/internal/frame"
)

// ParseCaptureRecord parses one line of the capture collaborator's
// record format:
//
//	epoch_micros,direction,src_port,dst_port,hex_bytes
//
// direction is "in" for drone->app and "out" for app->drone.
func ParseCaptureRecord(line string) (Capture, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 5 {
		return Capture{}, fmt.Errorf("expected 5 fields, got %d", len(parts))
	}

	micros, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Capture{}, fmt.Errorf("invalid timestamp %q", parts[0])
	}

	var dir frame.Direction
	switch strings.TrimSpace(parts[1]) {
	case "out":
		dir = frame.DirAppToDrone
	case "in":
		dir = frame.DirDroneToApp
	default:
		return Capture{}, fmt.Errorf("invalid direction %q", parts[1])
	}

	srcPort, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return Capture{}, fmt.Errorf("invalid source port %q", parts[2])
	}

	dstPort, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return Capture{}, fmt.Errorf("invalid destination port %q", parts[3])
	}

	data, err := hex.DecodeString(strings.TrimSpace(parts[4]))
	if err != nil {
		return Capture{}, fmt.Errorf("invalid hex payload: %v", err)
	}

	return Capture{
		Timestamp: time.UnixMicro(micros),
		Direction: dir,
		SrcPort:   srcPort,
		DstPort:   dstPort,
		Data:      data,
	}, nil
}
