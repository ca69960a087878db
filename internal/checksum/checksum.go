package checksum

import "fmt"

// Algorithm identifies one of the trial checksum algorithms used during
// segmentation. The set is deliberately small: toy-drone firmwares almost
// always use one of these, and trial-and-validate over a small set is the
// only inference available without protocol documentation.
type Algorithm uint8

const (
	AlgNone Algorithm = iota
	AlgXOR            // XOR fold of covered bytes (1 byte)
	AlgSum256         // Sum of covered bytes mod 256 (1 byte)
	AlgCRC8           // CRC-8, poly 0x07 (1 byte)
	AlgCRC8Maxim      // CRC-8, poly 0x31 reflected (1 byte)
	AlgCRC16CCITT     // CRC-16, poly 0x1021, init 0xFFFF (2 bytes, big-endian)
	AlgCRC16IBM       // CRC-16, poly 0x8005 reflected, init 0x0000 (2 bytes, little-endian)
)

// String returns the canonical algorithm name
func (a Algorithm) String() string {
	switch a {
	case AlgNone:
		return "none"
	case AlgXOR:
		return "xor"
	case AlgSum256:
		return "sum256"
	case AlgCRC8:
		return "crc8"
	case AlgCRC8Maxim:
		return "crc8-maxim"
	case AlgCRC16CCITT:
		return "crc16-ccitt"
	case AlgCRC16IBM:
		return "crc16-ibm"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// Parse resolves an algorithm name, as used by catalogue overrides
func Parse(name string) (Algorithm, error) {
	for _, a := range Candidates() {
		if a.String() == name {
			return a, nil
		}
	}
	return AlgNone, fmt.Errorf("unknown checksum algorithm: %s", name)
}

// Width returns the checksum width in bytes
func (a Algorithm) Width() int {
	switch a {
	case AlgCRC16CCITT, AlgCRC16IBM:
		return 2
	case AlgNone:
		return 0
	default:
		return 1
	}
}

// Candidates returns the trial set in deterministic order
func Candidates() []Algorithm {
	return []Algorithm{AlgXOR, AlgSum256, AlgCRC8, AlgCRC8Maxim, AlgCRC16CCITT, AlgCRC16IBM}
}

// Compute calculates the checksum of data under the given algorithm.
// The returned slice has length Width().
func Compute(a Algorithm, data []byte) []byte {
	switch a {
	case AlgXOR:
		var c byte
		for _, b := range data {
			c ^= b
		}
		return []byte{c}

	case AlgSum256:
		var c byte
		for _, b := range data {
			c += b
		}
		return []byte{c}

	case AlgCRC8:
		return []byte{crc8(data, 0x07)}

	case AlgCRC8Maxim:
		return []byte{crc8Reflected(data, 0x8C)}

	case AlgCRC16CCITT:
		c := crc16CCITT(data)
		return []byte{byte(c >> 8), byte(c & 0xFF)}

	case AlgCRC16IBM:
		c := crc16IBM(data)
		return []byte{byte(c & 0xFF), byte(c >> 8)}

	default:
		return nil
	}
}

// ComputeExcised calculates the checksum of data with width bytes at
// offset off removed, i.e. the checksum over "all other bytes" of a
// frame whose checksum field lives at off
func ComputeExcised(a Algorithm, data []byte, off, width int) []byte {
	covered := make([]byte, 0, len(data)-width)
	covered = append(covered, data[:off]...)
	covered = append(covered, data[off+width:]...)
	return Compute(a, covered)
}

// crc8 computes a non-reflected CRC-8 with the given polynomial, init 0
func crc8(data []byte, poly byte) byte {
	var crc byte

	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

// crc8Reflected computes a reflected CRC-8 (Maxim/Dallas form), init 0
func crc8Reflected(data []byte, poly byte) byte {
	var crc byte

	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x01 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}

	return crc
}

// crc16CCITT computes CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)

	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

// crc16IBM computes CRC-16/ARC: poly 0x8005 reflected (0xA001), init 0
func crc16IBM(data []byte) uint16 {
	var crc uint16

	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}

	return crc
}
