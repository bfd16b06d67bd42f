// Package ingest defines the parser contract shared by all format parsers
// and the registry that maps configured format tags to implementations.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/PulsePipe/pulsepipe/internal/model"
)

// RawRecord is one opaque payload handed to a parser. The adapter creates
// it; a parser consumes it exactly once.
type RawRecord struct {
	Data       []byte
	Format     string // configured format tag, not sniffed
	SourcePath string
	StreamID   string
	ReceivedAt time.Time
}

// ErrorKind classifies parse failures and non-fatal findings.
type ErrorKind string

const (
	// StructuralError means a mandatory structural element is missing and
	// the whole message failed.
	StructuralError ErrorKind = "structural_error"
	// FieldValueError means an individual field was malformed but the rest
	// of the record was salvaged.
	FieldValueError ErrorKind = "field_value_error"
	// ReconciliationWarning means financial totals did not balance to the
	// documented control totals. Non-fatal.
	ReconciliationWarning ErrorKind = "reconciliation_warning"
	// ReferenceCycleWarning means a bundle contained cyclic references and
	// resolution was cut off at the depth cap. Non-fatal.
	ReferenceCycleWarning ErrorKind = "reference_cycle_warning"
)

// ParseError is a message-level failure. Location carries enough context
// (segment index, byte offset, or resource path) to reproduce the failure
// in isolation.
type ParseError struct {
	Kind     ErrorKind
	Detail   string
	Location string
}

func (e *ParseError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Location, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// FieldIssue is a salvageable field-level finding attached to a partially
// built record.
type FieldIssue struct {
	Kind     ErrorKind `json:"kind"`
	Path     string    `json:"path"`
	Detail   string    `json:"detail"`
	Location string    `json:"location,omitempty"`
}

// Outcome is the single result of parsing one RawRecord. Exactly one of
// Content or Err is set. FieldIssues and Warnings may accompany a success.
type Outcome struct {
	Content     model.Content
	Err         *ParseError
	FieldIssues []FieldIssue
	Warnings    []FieldIssue
}

// OK reports whether the record produced canonical content.
func (o Outcome) OK() bool { return o.Err == nil && o.Content != nil }

// Failure builds a failed outcome.
func Failure(kind ErrorKind, location, format string, args ...any) Outcome {
	return Outcome{Err: &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...), Location: location}}
}

// Parser converts raw payloads of one configured format into canonical
// content. Implementations never panic on malformed input; every failure
// path terminates in an Outcome carrying a ParseError.
type Parser interface {
	Format() string
	Parse(ctx context.Context, rec RawRecord) Outcome
}

// Splitter is implemented by parsers whose wire format allows several
// messages in one payload. The pipeline splits before hashing so every
// message gets its own identity, outcome, and audit trail.
type Splitter interface {
	Split(data []byte) [][]byte
}

// Registry maps format tags to parser constructors. It is populated once at
// startup; lookup happens at pipeline construction, not per record.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds a registry from the given parsers.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[string]Parser, len(parsers))}
	for _, p := range parsers {
		r.parsers[p.Format()] = p
	}
	return r
}

// Lookup returns the parser registered for a format tag.
func (r *Registry) Lookup(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser registered for format %q (known: %v)", format, r.Formats())
	}
	return p, nil
}

// Formats lists registered format tags, sorted.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
