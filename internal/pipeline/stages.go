package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/ingest/cda"
	"github.com/PulsePipe/pulsepipe/internal/ingest/fhir"
	"github.com/PulsePipe/pulsepipe/internal/ingest/hl7v2"
	"github.com/PulsePipe/pulsepipe/internal/ingest/x12"
	"github.com/PulsePipe/pulsepipe/internal/model"
	"github.com/PulsePipe/pulsepipe/internal/tracking"
)

// Failure categories the stages report into ingestion stats. Parse
// failures use the ingest.ErrorKind of the outcome instead.
const (
	kindSafeHarbor  = "safe_harbor_violation"
	kindEntityScan  = "entity_scan_error"
	kindPersistence = "persistence_error"
	kindExport      = "export_error"
	kindTimeout     = "record_timeout"
)

// item is one record moving through the stages.
type item struct {
	rec      ingest.RawRecord
	hash     string
	content  model.Content
	deadline time.Time
}

// newItem stamps the record's identity and its pipeline deadline. The
// deadline clock starts the moment the record leaves the adapter, so
// queue wait in concurrent mode counts against it.
func (e *Engine) newItem(rec ingest.RawRecord) item {
	sum := sha256.Sum256(rec.Data)
	it := item{rec: rec, hash: hex.EncodeToString(sum[:])}
	if e.recordTimeout > 0 {
		it.deadline = time.Now().Add(e.recordTimeout)
	}
	return it
}

func (it *item) expired() bool {
	return !it.deadline.IsZero() && time.Now().After(it.deadline)
}

// stageContext caps ctx at the record's pipeline deadline.
func (it *item) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if it.deadline.IsZero() {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, it.deadline)
}

// splitRecords expands payloads the parser knows how to divide into
// individual messages. Each message becomes its own record so counters
// and the audit trail stay per-message.
func (e *Engine) splitRecords(recs []ingest.RawRecord) []ingest.RawRecord {
	sp, ok := e.parser.(ingest.Splitter)
	if !ok {
		return recs
	}
	out := make([]ingest.RawRecord, 0, len(recs))
	for _, rec := range recs {
		parts := sp.Split(rec.Data)
		if len(parts) <= 1 {
			out = append(out, rec)
			continue
		}
		for i, part := range parts {
			msg := rec
			msg.Data = part
			msg.SourcePath = fmt.Sprintf("%s#%d", rec.SourcePath, i+1)
			out = append(out, msg)
		}
	}
	return out
}

func newRegistry(salt string, payers *x12.PayerTable) *ingest.Registry {
	return ingest.NewRegistry(
		hl7v2.New(hl7v2.Options{Salt: salt}),
		x12.New(x12.Options{Salt: salt, Payers: payers}),
		fhir.New(fhir.Options{Salt: salt}),
		cda.New(cda.Options{Salt: salt}),
	)
}

// parse maps the raw payload into canonical content. A failed record is
// parked on the DLQ and recorded; it never travels further.
func (e *Engine) parse(ctx context.Context, rc *RunContext, it *item) (bool, error) {
	out := e.parser.Parse(ctx, it.rec)
	if !out.OK() {
		kind := string(ingest.StructuralError)
		parseErr := error(out.Err)
		if out.Err != nil {
			kind = string(out.Err.Kind)
		} else {
			parseErr = eris.New("parser returned no content")
		}
		e.dlq.Park(it.hash, "ingest", it.rec, parseErr)
		return false, e.fail(ctx, rc, it, "ingest", kind)
	}
	it.content = out.Content
	// The salted correlation hash is the record's identity everywhere
	// downstream. The raw-byte hash only covers records that never
	// parsed.
	if id := it.content.CorrelationID(); id != "" {
		it.hash = id
	}
	for _, w := range out.FieldIssues {
		e.noteWarning(rc, it, w)
	}
	for _, w := range out.Warnings {
		e.noteWarning(rc, it, w)
	}
	return true, nil
}

// noteWarning buffers a non-fatal parse finding for the audit trail. The
// buffered warnings flush in one batch when the run ends.
func (e *Engine) noteWarning(rc *RunContext, it *item, w ingest.FieldIssue) {
	rc.bufferWarning(tracking.AuditEvent{
		RunID:      rc.RunID,
		Stage:      "ingest",
		RecordHash: it.hash,
		Status:     "warning",
		ErrorKind:  string(w.Kind),
	})
	e.log.Debug("non-fatal finding",
		zap.String("record", it.hash),
		zap.String("path", w.Path),
		zap.String("kind", string(w.Kind)),
	)
}

// deidentify runs the Safe-Harbor engine. A held record is a policy
// failure; a recognizer transport error parks the record for retry.
func (e *Engine) deidentify(ctx context.Context, rc *RunContext, it *item) (bool, error) {
	if it.expired() {
		return false, e.fail(ctx, rc, it, "deid", kindTimeout)
	}
	pctx, cancel := it.stageContext(ctx)
	defer cancel()

	res, err := e.deid.Process(pctx, it.content)
	if err != nil {
		if it.expired() && ctx.Err() == nil {
			return false, e.fail(ctx, rc, it, "deid", kindTimeout)
		}
		e.dlq.Park(it.hash, "deid", it.rec, err)
		return false, e.fail(ctx, rc, it, "deid", kindEntityScan)
	}
	if res.Held() {
		e.log.Warn("record held",
			zap.String("record", it.hash),
			zap.Int("violations", len(res.Violations)),
		)
		return false, e.fail(ctx, rc, it, "deid", kindSafeHarbor)
	}
	return true, nil
}

// persist scores the record, forwards it downstream, and writes the
// terminal outcome. A store failure that is still retryable after the
// repository exhausted its attempts aborts the run.
func (e *Engine) persist(ctx context.Context, rc *RunContext, it *item) error {
	if it.expired() {
		return e.fail(ctx, rc, it, "persist", kindTimeout)
	}
	score := e.scorer.Score(it.content)
	score.RecordHash = it.hash
	score.RunID = rc.RunID
	rc.bufferScore(score)

	if err := e.export(ctx, it.content); err != nil {
		e.dlq.Park(it.hash, "export", it.rec, err)
		return e.fail(ctx, rc, it, "export", kindExport)
	}

	if err := e.repo.RecordOutcome(ctx, rc.RunID, it.rec.Format, it.hash, "persist", ""); err != nil {
		if tracking.IsRetryable(err) {
			return err
		}
		return e.fail(ctx, rc, it, "persist", kindPersistence)
	}
	rc.recordSuccess()
	return nil
}

// fail records a per-record failure. The returned error is non-nil only
// when the tracking write itself exhausted its retries, which is
// run-fatal.
func (e *Engine) fail(ctx context.Context, rc *RunContext, it *item, stage, kind string) error {
	rc.recordFailure(kind)
	err := e.repo.RecordOutcome(context.WithoutCancel(ctx), rc.RunID, it.rec.Format, it.hash, stage, kind)
	if err != nil {
		if tracking.IsRetryable(err) {
			return err
		}
		e.log.Warn("failure not recorded", zap.String("record", it.hash), zap.Error(err))
	}
	return nil
}

// cancelRecord marks a record the shutdown caught before or between
// stages. Cancelled is distinct from failed in both the audit trail and
// the counters.
func (e *Engine) cancelRecord(ctx context.Context, rc *RunContext, it *item, stage string) {
	rc.recordCancelled()
	wctx := context.WithoutCancel(ctx)
	ev := tracking.AuditEvent{
		RunID:      rc.RunID,
		Stage:      stage,
		RecordHash: it.hash,
		Status:     string(tracking.RunCancelled),
	}
	if err := e.repo.RecordAuditEvent(wctx, ev); err != nil {
		e.log.Warn("cancel not recorded", zap.String("record", it.hash), zap.Error(err))
	}
	stat := tracking.IngestionStat{RunID: rc.RunID, SourceType: it.rec.Format, Attempted: 1}
	if err := e.repo.IncrementStat(wctx, stat); err != nil {
		e.log.Warn("cancel stat not recorded", zap.String("record", it.hash), zap.Error(err))
	}
}
