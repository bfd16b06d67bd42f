package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/PulsePipe/pulsepipe/internal/tracking"
)

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	completed := started.Add(95 * time.Second)

	runs := []tracking.PipelineRun{
		{
			RunID:       "0195a2f4-1111-2222-3333-444455556666",
			Pipeline:    "adt_feed",
			Status:      tracking.RunComplete,
			StartedAt:   started,
			CompletedAt: &completed,
			Attempted:   120,
			Succeeded:   118,
			Failed:      2,
		},
		{
			RunID:     "short",
			Pipeline:  "claims",
			Status:    tracking.RunRunning,
			StartedAt: started,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "RUN")
	assert.Contains(t, out, "0195a2f4")
	assert.NotContains(t, out, "444455556666")
	assert.Contains(t, out, "adt_feed")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "1m35s")
	assert.Contains(t, out, "2026-03-01 09:30")
	// A run still in flight has no duration.
	assert.Contains(t, out, "running")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("123456789abc"))
	assert.Equal(t, "abc", truncateID("abc"))
}
