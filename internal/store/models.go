package store

import (
	"encoding/hex"
	"strings"
	"time"
)

// TemplateRecord persists one message template
type TemplateRecord struct {
	TemplateID uint32 `gorm:"primarykey;not null"`
	Length     int    `gorm:"not null"`
	Direction  uint8  `gorm:"not null"`
	Observed   int
	Stable     bool
}

// TableName specifies the table name for GORM
func (TemplateRecord) TableName() string {
	return "templates"
}

// SlotRecord persists one field slot. Position preserves the slot order
// within its template so a reloaded model matches byte for byte.
type SlotRecord struct {
	ID         uint   `gorm:"primarykey"`
	TemplateID uint32 `gorm:"index;not null"`
	Position   int    `gorm:"not null"`
	Offset     int    `gorm:"not null"`
	Length     int    `gorm:"not null"`
	Kind       uint8  `gorm:"not null"`
	Value      []byte
	Stride     int
	Algorithm  uint8
	EnumValues string // comma-joined hex, observation order
}

// TableName specifies the table name for GORM
func (SlotRecord) TableName() string {
	return "slots"
}

// CounterRecord persists one session counter value
type CounterRecord struct {
	TemplateID uint32 `gorm:"primarykey;autoIncrement:false"`
	Offset     int    `gorm:"primarykey;autoIncrement:false"`
	Value      uint8
}

// TableName specifies the table name for GORM
func (CounterRecord) TableName() string {
	return "session_counters"
}

// TokenRecord persists one session token
type TokenRecord struct {
	TemplateID uint32 `gorm:"primarykey;autoIncrement:false"`
	Offset     int    `gorm:"primarykey;autoIncrement:false"`
	Bytes      []byte
}

// TableName specifies the table name for GORM
func (TokenRecord) TableName() string {
	return "session_tokens"
}

// SessionRecord persists the session timestamps. A snapshot holds exactly
// one row.
type SessionRecord struct {
	ID         uint `gorm:"primarykey"`
	LastUpdate time.Time
	LastAck    time.Time
	SavedAt    time.Time
}

// TableName specifies the table name for GORM
func (SessionRecord) TableName() string {
	return "session_state"
}

// encodeEnumValues flattens an enum value set into comma-joined hex
func encodeEnumValues(values [][]byte) string {
	if len(values) == 0 {
		return ""
	}

	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = hex.EncodeToString(v)
	}

	return strings.Join(parts, ",")
}

// decodeEnumValues reverses encodeEnumValues
func decodeEnumValues(s string) ([][]byte, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	out := make([][]byte, len(parts))

	for i, p := range parts {
		v, err := hex.DecodeString(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}

	return out, nil
}
