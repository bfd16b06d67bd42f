// Package hl7v2 parses segment-delimited clinical messages into the
// canonical clinical model. Parsing follows the three-level delimiter
// hierarchy (field, component, subcomponent) plus repetitions, with the
// delimiter set read from the MSH header rather than assumed.
package hl7v2

import (
	"fmt"
	"regexp"
	"strings"
)

// Delimiters holds the separator set declared in MSH-1/MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

func defaultDelimiters() Delimiters {
	return Delimiters{Field: '|', Component: '^', Repetition: '~', Escape: '\\', Subcomponent: '&'}
}

// Segment is one delimited line of a message. Fields are indexed the HL7
// way: field 0 is the segment id, field N is the Nth pipe-delimited value.
type Segment struct {
	ID     string
	Raw    string
	Index  int // position within the message, for failure locations
	fields []field
}

// field → repetitions → components → subcomponents.
type field struct{ reps []repetition }
type repetition struct{ comps []component }
type component struct{ subs []string }

// Message is a parsed HL7v2 message with positional and map-based access.
type Message struct {
	Delims   Delimiters
	Segments []Segment
	byID     map[string][]*Segment
}

var segmentIDRe = regexp.MustCompile(`^[A-Z][A-Z0-9]{2}$`)

// ParseMessage parses a single message. The text must begin with an MSH
// segment; the delimiter set is taken from it.
func ParseMessage(text string) (*Message, error) {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	lines := splitNonEmpty(text, '\r')
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 8 {
		return nil, fmt.Errorf("message must start with an MSH segment")
	}

	d := defaultDelimiters()
	d.Field = lines[0][3]
	enc := strings.Split(lines[0][4:], string(d.Field))[0]
	if len(enc) > 0 {
		d.Component = enc[0]
	}
	if len(enc) > 1 {
		d.Repetition = enc[1]
	}
	if len(enc) > 2 {
		d.Escape = enc[2]
	}
	if len(enc) > 3 {
		d.Subcomponent = enc[3]
	}

	m := &Message{Delims: d, byID: make(map[string][]*Segment)}
	for i, line := range lines {
		seg, err := parseSegment(line, i, d)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		m.Segments = append(m.Segments, seg)
	}
	for i := range m.Segments {
		s := &m.Segments[i]
		m.byID[s.ID] = append(m.byID[s.ID], s)
	}
	return m, nil
}

func parseSegment(line string, index int, d Delimiters) (Segment, error) {
	id := line[:min(3, len(line))]
	if !segmentIDRe.MatchString(id) {
		return Segment{}, fmt.Errorf("invalid segment id %q", id)
	}
	seg := Segment{ID: id, Raw: line, Index: index}
	rest := ""
	if len(line) > 4 {
		rest = line[4:]
	}
	raw := append([]string{id}, strings.Split(rest, string(d.Field))...)

	for i, f := range raw {
		// The encoding characters of MSH-2 would be mangled by splitting on
		// the delimiters they declare, so they are stored verbatim.
		if id == "MSH" && i == 1 {
			seg.fields = append(seg.fields, literalField(f))
			continue
		}
		var fl field
		for _, rep := range strings.Split(f, string(d.Repetition)) {
			var r repetition
			for _, comp := range strings.Split(rep, string(d.Component)) {
				r.comps = append(r.comps, component{subs: strings.Split(comp, string(d.Subcomponent))})
			}
			fl.reps = append(fl.reps, r)
		}
		seg.fields = append(seg.fields, fl)
	}

	// MSH counts the field separator as MSH-1, so positional indexes shift
	// by one relative to other segments.
	if id == "MSH" {
		seg.fields = append([]field{seg.fields[0], literalField(string(d.Field))}, seg.fields[1:]...)
	}
	return seg, nil
}

func literalField(v string) field {
	return field{reps: []repetition{{comps: []component{{subs: []string{v}}}}}}
}

// NumFields returns the number of fields including the segment id slot.
func (s *Segment) NumFields() int { return len(s.fields) }

// Field returns the full raw text of field f (all repetitions joined), or
// "" when absent.
func (s *Segment) Field(f int) string {
	if f < 0 || f >= len(s.fields) {
		return ""
	}
	var reps []string
	for _, r := range s.fields[f].reps {
		var comps []string
		for _, c := range r.comps {
			comps = append(comps, strings.Join(c.subs, "&"))
		}
		reps = append(reps, strings.Join(comps, "^"))
	}
	return strings.Join(reps, "~")
}

// Component returns field f, component c (1-based), first repetition.
func (s *Segment) Component(f, c int) string {
	return s.Rep(f, 0, c, 1)
}

// Rep returns field f, repetition r (0-based), component c, subcomponent
// sub (both 1-based). Missing coordinates yield "".
func (s *Segment) Rep(f, r, c, sub int) string {
	if f < 0 || f >= len(s.fields) {
		return ""
	}
	fl := s.fields[f]
	if r < 0 || r >= len(fl.reps) {
		return ""
	}
	rep := fl.reps[r]
	if c < 1 || c > len(rep.comps) {
		return ""
	}
	comp := rep.comps[c-1]
	if sub < 1 || sub > len(comp.subs) {
		return ""
	}
	return comp.subs[sub-1]
}

// Repetitions returns the number of repetitions of field f.
func (s *Segment) Repetitions(f int) int {
	if f < 0 || f >= len(s.fields) {
		return 0
	}
	return len(s.fields[f].reps)
}

// Segment returns the nth occurrence of a segment type, or nil.
func (m *Message) Segment(id string, occurrence int) *Segment {
	segs := m.byID[id]
	if occurrence < 0 || occurrence >= len(segs) {
		return nil
	}
	return segs[occurrence]
}

// All returns every occurrence of a segment type in message order.
func (m *Message) All(id string) []*Segment { return m.byID[id] }

var accessorRe = regexp.MustCompile(`^([A-Z][A-Z0-9]{2})\.(\d+)(?:\.(\d+))?(?:\.(\d+))?$`)

// Get resolves a dotted accessor like "PID.5.1" against the first
// occurrence of the segment. Component and subcomponent default to 1.
func (m *Message) Get(accessor string) string {
	match := accessorRe.FindStringSubmatch(accessor)
	if match == nil {
		return ""
	}
	seg := m.Segment(match[1], 0)
	if seg == nil {
		return ""
	}
	f := atoi(match[2])
	c, sub := 1, 1
	if match[3] != "" {
		c = atoi(match[3])
	}
	if match[4] != "" {
		sub = atoi(match[4])
	}
	return seg.Rep(f, 0, c, sub)
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	for _, part := range strings.Split(s, string(sep)) {
		if strings.TrimSpace(part) != "" {
			out = append(out, strings.TrimRight(part, " "))
		}
	}
	return out
}
