package model

// ContentKind identifies which canonical schema a record was mapped into.
type ContentKind string

const (
	KindClinical    ContentKind = "clinical"
	KindOperational ContentKind = "operational"
)

// Content is the canonical representation handed between pipeline stages.
// Parsers produce it, the de-identification engine mutates it in place, and
// downstream collaborators consume it. Nothing in the core retains a Content
// after it has been forwarded.
type Content interface {
	Kind() ContentKind

	// CorrelationID returns the stable, non-reversible hash derived from
	// source-system fields at parse time. Downstream stages use it to
	// correlate audit rows without retaining raw identifiers.
	CorrelationID() string

	// Summary renders a short human-readable account of what the record
	// contains, suitable for run summaries and logs. It must never include
	// a raw identifier value.
	Summary() string
}
