package resilience

import (
	"errors"
	"testing"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorType  string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"transient below max", "transient", 0, 3, true},
		{"transient at max", "transient", 3, 3, false},
		{"transient above max", "transient", 5, 3, false},
		{"permanent never retries", "permanent", 0, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{
				ErrorType:  tt.errorType,
				RetryCount: tt.retryCount,
				MaxRetries: tt.maxRetries,
			}
			if got := e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("pool exhausted")), "transient"},
		{"permanent error", errors.New("invalid input"), "permanent"},
		{"connection reset", errors.New("connection reset by peer"), "transient"},
		{"locked database", errors.New("database is locked (5) (SQLITE_BUSY)"), "transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDLQ_ParkAndDrain(t *testing.T) {
	q := NewDLQ(3)
	rec := ingest.RawRecord{Format: "hl7v2", SourcePath: "msg.hl7"}

	q.Park("rec-1", "ingest", rec, errors.New("missing MSH segment"))
	q.Park("rec-2", "persist", rec, NewTransientError(errors.New("pool exhausted")))
	if q.Len() != 2 {
		t.Fatalf("expected 2 parked entries, got %d", q.Len())
	}

	// Parking the same id again bumps the retry count instead of duplicating.
	entry := q.Park("rec-2", "persist", rec, NewTransientError(errors.New("pool exhausted")))
	if q.Len() != 2 {
		t.Fatalf("expected 2 parked entries after re-park, got %d", q.Len())
	}
	if entry.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", entry.RetryCount)
	}
	if !entry.CanRetry() {
		t.Error("transient entry below max retries should be retryable")
	}

	drained := q.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained entries, got %d", len(drained))
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty after drain, got %d", q.Len())
	}
	if drained[0].ErrorType != "permanent" {
		t.Errorf("structural parse failure should classify permanent, got %q", drained[0].ErrorType)
	}
}
