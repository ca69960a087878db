package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config represents the skytap configuration
type Config struct {
	filename string

	// Capture section
	capturePort  uint32
	captureRing  uint32
	gapThreshold uint32
	captureDebug bool

	// Segmenter section
	minSamples         uint32
	checksumConfidence float64
	enumMaxValues      uint32
	stableThreshold    uint32
	segmenterDebug     bool

	// Session section
	driftThreshold uint32
	driftWindowMS  uint32
	sessionDebug   bool

	// Synthesis section
	freshnessMS uint32
	clampLow    uint32
	clampHigh   uint32

	// Transmit section
	targetAddress string
	targetPort    uint32
	localPort     uint32
	ackTimeoutMS  uint32
	maxRetries    uint32
	burstGapMS    uint32
	keepAliveMS   uint32
	transmitDebug bool

	// Catalogue section
	catalogueFile string

	// Database section
	databaseEnabled bool
	databasePath    string
	databaseDebug   bool
}

// NewConfig creates a new configuration instance
func NewConfig(filename string) *Config {
	return &Config{
		filename: filename,

		// Set reasonable defaults
		capturePort:  8090,
		captureRing:  2048,
		gapThreshold: 50,

		minSamples:         5,
		checksumConfidence: 0.95,
		enumMaxValues:      8,
		stableThreshold:    20,

		driftThreshold: 25,
		driftWindowMS:  30000,

		freshnessMS: 5000,
		clampLow:    0x00,
		clampHigh:   0xFF,

		targetAddress: "192.168.4.153",
		targetPort:    8090,
		ackTimeoutMS:  500,
		maxRetries:    3,
		burstGapMS:    100,
		keepAliveMS:   50,

		catalogueFile: "catalogue.txt",

		databaseEnabled: false,
		databasePath:    "data/skytap_session.db",
	}
}

// Load loads configuration from the specified file
func (c *Config) Load() error {
	file, err := os.Open(c.filename)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %v", c.filename, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	return c.parseINIScanner(scanner)
}

// LoadFromString loads configuration from a string (useful for testing)
func (c *Config) LoadFromString(data string) error {
	scanner := bufio.NewScanner(strings.NewReader(data))
	return c.parseINIScanner(scanner)
}

func (c *Config) parseINIScanner(scanner *bufio.Scanner) error {
	var currentSection string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		// Check for section header
		if line[0] == '[' && line[len(line)-1] == ']' {
			currentSection = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		// Parse key=value pairs
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch currentSection {
		case "Capture":
			c.parseCaptureSection(key, value)
		case "Segmenter":
			c.parseSegmenterSection(key, value)
		case "Session":
			c.parseSessionSection(key, value)
		case "Synthesis":
			c.parseSynthesisSection(key, value)
		case "Transmit":
			c.parseTransmitSection(key, value)
		case "Catalogue":
			c.parseCatalogueSection(key, value)
		case "Database":
			c.parseDatabaseSection(key, value)
		}
	}

	return scanner.Err()
}

func (c *Config) parseCaptureSection(key, value string) {
	switch key {
	case "Port":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.capturePort = uint32(v)
		}
	case "RingSize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.captureRing = uint32(v)
		}
	case "GapThreshold":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.gapThreshold = uint32(v)
		}
	case "Debug":
		c.captureDebug = c.parseBool(value)
	}
}

func (c *Config) parseSegmenterSection(key, value string) {
	switch key {
	case "MinSamples":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.minSamples = uint32(v)
		}
	case "ChecksumConfidence":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.checksumConfidence = v
		}
	case "EnumMaxValues":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.enumMaxValues = uint32(v)
		}
	case "StableThreshold":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.stableThreshold = uint32(v)
		}
	case "Debug":
		c.segmenterDebug = c.parseBool(value)
	}
}

func (c *Config) parseSessionSection(key, value string) {
	switch key {
	case "DriftThreshold":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.driftThreshold = uint32(v)
		}
	case "DriftWindowMS":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.driftWindowMS = uint32(v)
		}
	case "Debug":
		c.sessionDebug = c.parseBool(value)
	}
}

func (c *Config) parseSynthesisSection(key, value string) {
	switch key {
	case "FreshnessMS":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.freshnessMS = uint32(v)
		}
	case "ClampLow":
		if v, err := strconv.ParseUint(value, 0, 8); err == nil {
			c.clampLow = uint32(v)
		}
	case "ClampHigh":
		if v, err := strconv.ParseUint(value, 0, 8); err == nil {
			c.clampHigh = uint32(v)
		}
	}
}

func (c *Config) parseTransmitSection(key, value string) {
	switch key {
	case "Address":
		c.targetAddress = value
	case "Port":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.targetPort = uint32(v)
		}
	case "LocalPort":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.localPort = uint32(v)
		}
	case "AckTimeoutMS":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.ackTimeoutMS = uint32(v)
		}
	case "MaxRetries":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.maxRetries = uint32(v)
		}
	case "BurstGapMS":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.burstGapMS = uint32(v)
		}
	case "KeepAliveMS":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.keepAliveMS = uint32(v)
		}
	case "Debug":
		c.transmitDebug = c.parseBool(value)
	}
}

func (c *Config) parseCatalogueSection(key, value string) {
	switch key {
	case "File":
		c.catalogueFile = value
	}
}

func (c *Config) parseDatabaseSection(key, value string) {
	switch key {
	case "Enabled":
		c.databaseEnabled = c.parseBool(value)
	case "Path":
		c.databasePath = value
	case "Debug":
		c.databaseDebug = c.parseBool(value)
	}
}

func (c *Config) parseBool(value string) bool {
	return value == "1" || strings.ToLower(value) == "true" || strings.ToLower(value) == "yes"
}

// Getter methods for Capture section
func (c *Config) GetCapturePort() uint32  { return c.capturePort }
func (c *Config) GetCaptureRing() uint32  { return c.captureRing }
func (c *Config) GetGapThreshold() uint32 { return c.gapThreshold }
func (c *Config) GetCaptureDebug() bool   { return c.captureDebug }

// Getter methods for Segmenter section
func (c *Config) GetMinSamples() uint32          { return c.minSamples }
func (c *Config) GetChecksumConfidence() float64 { return c.checksumConfidence }
func (c *Config) GetEnumMaxValues() uint32       { return c.enumMaxValues }
func (c *Config) GetStableThreshold() uint32     { return c.stableThreshold }
func (c *Config) GetSegmenterDebug() bool        { return c.segmenterDebug }

// Getter methods for Session section
func (c *Config) GetDriftThreshold() uint32 { return c.driftThreshold }
func (c *Config) GetDriftWindowMS() uint32  { return c.driftWindowMS }
func (c *Config) GetSessionDebug() bool     { return c.sessionDebug }

// Getter methods for Synthesis section
func (c *Config) GetFreshnessMS() uint32 { return c.freshnessMS }
func (c *Config) GetClampLow() uint32    { return c.clampLow }
func (c *Config) GetClampHigh() uint32   { return c.clampHigh }

// Getter methods for Transmit section
func (c *Config) GetTargetAddress() string { return c.targetAddress }
func (c *Config) GetTargetPort() uint32    { return c.targetPort }
func (c *Config) GetLocalPort() uint32     { return c.localPort }
func (c *Config) GetAckTimeoutMS() uint32  { return c.ackTimeoutMS }
func (c *Config) GetMaxRetries() uint32    { return c.maxRetries }
func (c *Config) GetBurstGapMS() uint32    { return c.burstGapMS }
func (c *Config) GetKeepAliveMS() uint32   { return c.keepAliveMS }
func (c *Config) GetTransmitDebug() bool   { return c.transmitDebug }

// Getter methods for Catalogue section
func (c *Config) GetCatalogueFile() string { return c.catalogueFile }

// Getter methods for Database section
func (c *Config) GetDatabaseEnabled() bool { return c.databaseEnabled }
func (c *Config) GetDatabasePath() string  { return c.databasePath }
func (c *Config) GetDatabaseDebug() bool   { return c.databaseDebug }
