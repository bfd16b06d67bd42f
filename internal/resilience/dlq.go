package resilience

import (
	"sync"
	"time"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
)

// DLQEntry is one record parked after a pipeline stage failed it.
type DLQEntry struct {
	ID           string           `json:"id"`
	Record       ingest.RawRecord `json:"record"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"error_type"` // "transient" or "permanent"
	FailedStage  string           `json:"failed_stage,omitempty"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	CreatedAt    time.Time        `json:"created_at"`
	LastFailedAt time.Time        `json:"last_failed_at"`
}

// CanRetry returns true if this entry has retries left and its error was
// transient. Permanent failures (structural parse errors, policy holds)
// stay parked for operator review.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType == "transient" && e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// DLQ is an in-memory dead letter queue for records a pipeline run could
// not process. Runs drain it at shutdown into the tracking store.
type DLQ struct {
	mu         sync.Mutex
	entries    []*DLQEntry
	maxRetries int
}

// NewDLQ creates an empty queue. maxRetries bounds per-record redelivery.
func NewDLQ(maxRetries int) *DLQ {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &DLQ{maxRetries: maxRetries}
}

// Park adds a failed record, or bumps its retry bookkeeping if the same
// entry id is already parked.
func (q *DLQ) Park(id, stage string, rec ingest.RawRecord, err error) *DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, e := range q.entries {
		if e.ID == id {
			e.RetryCount++
			e.Error = err.Error()
			e.ErrorType = ClassifyError(err)
			e.FailedStage = stage
			e.LastFailedAt = now
			return e
		}
	}
	entry := &DLQEntry{
		ID:           id,
		Record:       rec,
		Error:        err.Error(),
		ErrorType:    ClassifyError(err),
		FailedStage:  stage,
		MaxRetries:   q.maxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	q.entries = append(q.entries, entry)
	return entry
}

// Drain removes and returns every parked entry.
func (q *DLQ) Drain() []*DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

// Len returns the number of parked entries.
func (q *DLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
