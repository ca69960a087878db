package synth

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rfprobe/skytap/internal/checksum"
)

// Mapping binds one operator command kind to a message template, with a
// role name per slot index. The mapping is produced by manual reverse
// engineering (APK analysis) and treated as static configuration; it is
// never inferred from traffic.
type Mapping struct {
	Kind       string
	TemplateID uint32
	Roles      map[int]string // slot index -> role name

	// Optional directives
	Checksum    checksum.Algorithm // Overrides the inferred algorithm, AlgNone = use inferred
	AckTemplate uint32             // Response template that acknowledges this command, 0 = any
	Burst       int                // Consecutive sends per intent (emergency stop), 0 = 1
}

// Catalogue is the reverse-engineered semantic catalogue: the ordered
// list of command mappings supplied by the operator.
//
// File format, one mapping per line:
//
//	command_kind,template_id,slot=role;slot=role[,checksum=alg][,ack=id][,burst=n]
//
// Lines starting with # and blank lines are skipped.
type Catalogue struct {
	mappings []Mapping
	byKind   map[string]int
}

// LoadCatalogue reads a catalogue file
func LoadCatalogue(filename string) (*Catalogue, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalogue file %s: %v", filename, err)
	}
	defer file.Close()

	return ParseCatalogue(file)
}

// ParseCatalogue reads catalogue mappings from a reader
func ParseCatalogue(r io.Reader) (*Catalogue, error) {
	c := &Catalogue{byKind: make(map[string]int)}

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if len(line) == 0 || line[0] == '#' {
			continue
		}

		m, err := parseMapping(line)
		if err != nil {
			return nil, fmt.Errorf("catalogue line %d: %v", lineNo, err)
		}

		if _, dup := c.byKind[m.Kind]; dup {
			return nil, fmt.Errorf("catalogue line %d: duplicate command kind %q", lineNo, m.Kind)
		}

		c.byKind[m.Kind] = len(c.mappings)
		c.mappings = append(c.mappings, m)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return c, nil
}

func parseMapping(line string) (Mapping, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return Mapping{}, fmt.Errorf("expected at least command_kind,template_id")
	}

	kind := strings.TrimSpace(parts[0])
	if kind == "" {
		return Mapping{}, fmt.Errorf("empty command kind")
	}

	id, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return Mapping{}, fmt.Errorf("invalid template id %q", parts[1])
	}

	m := Mapping{
		Kind:       kind,
		TemplateID: uint32(id),
		Roles:      make(map[int]string),
	}

	for _, part := range parts[2:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		switch {
		case strings.HasPrefix(part, "checksum="):
			alg, err := checksum.Parse(strings.TrimPrefix(part, "checksum="))
			if err != nil {
				return Mapping{}, err
			}
			m.Checksum = alg

		case strings.HasPrefix(part, "ack="):
			ack, err := strconv.ParseUint(strings.TrimPrefix(part, "ack="), 10, 32)
			if err != nil {
				return Mapping{}, fmt.Errorf("invalid ack template %q", part)
			}
			m.AckTemplate = uint32(ack)

		case strings.HasPrefix(part, "burst="):
			burst, err := strconv.Atoi(strings.TrimPrefix(part, "burst="))
			if err != nil || burst < 1 {
				return Mapping{}, fmt.Errorf("invalid burst count %q", part)
			}
			m.Burst = burst

		default:
			// slot=role assignments, semicolon separated
			for _, assign := range strings.Split(part, ";") {
				assign = strings.TrimSpace(assign)
				if assign == "" {
					continue
				}

				kv := strings.SplitN(assign, "=", 2)
				if len(kv) != 2 {
					return Mapping{}, fmt.Errorf("invalid role assignment %q", assign)
				}

				slot, err := strconv.Atoi(strings.TrimSpace(kv[0]))
				if err != nil || slot < 0 {
					return Mapping{}, fmt.Errorf("invalid slot index %q", kv[0])
				}

				role := strings.TrimSpace(kv[1])
				if role == "" {
					return Mapping{}, fmt.Errorf("empty role for slot %d", slot)
				}

				m.Roles[slot] = role
			}
		}
	}

	return m, nil
}

// Lookup finds the mapping for a command kind
func (c *Catalogue) Lookup(kind string) (Mapping, bool) {
	idx, ok := c.byKind[kind]
	if !ok {
		return Mapping{}, false
	}
	return c.mappings[idx], true
}

// Kinds returns the known command kinds in catalogue order
func (c *Catalogue) Kinds() []string {
	out := make([]string, len(c.mappings))
	for i, m := range c.mappings {
		out[i] = m.Kind
	}
	return out
}

// Len returns the number of mappings
func (c *Catalogue) Len() int {
	return len(c.mappings)
}
