package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/PulsePipe/pulsepipe/internal/tracking"
)

// RunContext carries the identity and live counters of one run. Counters
// are updated from stage workers concurrently.
type RunContext struct {
	RunID    string
	Pipeline string

	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	warned    atomic.Int64

	mu       sync.Mutex
	failures map[string]int
	warnings []tracking.AuditEvent
	scores   []tracking.QualityScore
}

func newRunContext(runID, pipeline string) *RunContext {
	return &RunContext{RunID: runID, Pipeline: pipeline, failures: make(map[string]int)}
}

func (rc *RunContext) recordAttempt() { rc.attempted.Add(1) }
func (rc *RunContext) recordSuccess() { rc.succeeded.Add(1) }

func (rc *RunContext) recordFailure(kind string) {
	rc.failed.Add(1)
	rc.mu.Lock()
	rc.failures[kind]++
	rc.mu.Unlock()
}

func (rc *RunContext) recordCancelled() { rc.cancelled.Add(1) }

// bufferWarning holds a non-fatal finding until the run-end batch flush.
func (rc *RunContext) bufferWarning(ev tracking.AuditEvent) {
	rc.warned.Add(1)
	rc.mu.Lock()
	rc.warnings = append(rc.warnings, ev)
	rc.mu.Unlock()
}

func (rc *RunContext) drainWarnings() []tracking.AuditEvent {
	rc.mu.Lock()
	evs := rc.warnings
	rc.warnings = nil
	rc.mu.Unlock()
	return evs
}

// bufferScore holds a record's quality assessment until the run-end
// batch flush.
func (rc *RunContext) bufferScore(s tracking.QualityScore) {
	rc.mu.Lock()
	rc.scores = append(rc.scores, s)
	rc.mu.Unlock()
}

func (rc *RunContext) drainScores() []tracking.QualityScore {
	rc.mu.Lock()
	scores := rc.scores
	rc.scores = nil
	rc.mu.Unlock()
	return scores
}

// RunResult is the terminal summary of one run. It carries counters and
// error-kind buckets only; record content and identifiers never appear
// here.
type RunResult struct {
	RunID     string             `json:"run_id"`
	Pipeline  string             `json:"pipeline"`
	Status    tracking.RunStatus `json:"status"`
	Attempted int                `json:"attempted"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Cancelled int                `json:"cancelled"`
	Warnings  int                `json:"warnings"`
	Failures  map[string]int     `json:"failures,omitempty"`
}

func (rc *RunContext) result(status tracking.RunStatus) *RunResult {
	rc.mu.Lock()
	failures := make(map[string]int, len(rc.failures))
	for k, v := range rc.failures {
		failures[k] = v
	}
	rc.mu.Unlock()
	return &RunResult{
		RunID:     rc.RunID,
		Pipeline:  rc.Pipeline,
		Status:    status,
		Attempted: int(rc.attempted.Load()),
		Succeeded: int(rc.succeeded.Load()),
		Failed:    int(rc.failed.Load()),
		Cancelled: int(rc.cancelled.Load()),
		Warnings:  int(rc.warned.Load()),
		Failures:  failures,
	}
}
