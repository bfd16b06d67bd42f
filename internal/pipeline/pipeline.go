// Package pipeline orchestrates one named run: raw records polled from
// an adapter, parsed into canonical content, de-identified, scored, and
// persisted to the tracking store. Two execution modes share the same
// per-record stages; concurrent mode joins stage worker groups with
// bounded channels and blocking handoff is the only backpressure.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PulsePipe/pulsepipe/internal/config"
	"github.com/PulsePipe/pulsepipe/internal/deid"
	"github.com/PulsePipe/pulsepipe/internal/ingest"
	"github.com/PulsePipe/pulsepipe/internal/ingest/x12"
	"github.com/PulsePipe/pulsepipe/internal/resilience"
	"github.com/PulsePipe/pulsepipe/internal/tracking"
)

const (
	defaultWorkers    = 4
	defaultQueueDepth = 8
	defaultInterval   = 30 * time.Second
)

// Options selects the execution mode and injects collaborators. A nil
// Adapter uses the one configured for the pipeline; a nil Repository
// opens the configured store for the duration of the run.
type Options struct {
	Sequential bool
	Continuous bool
	Interval   time.Duration

	Adapter    Adapter
	Recognizer deid.Recognizer
	Repository *tracking.Repository

	// Downstream stages; all three set or all three nil.
	Chunker     Chunker
	Embedder    Embedder
	VectorStore VectorStore
}

// Engine drives one named pipeline. Multiple engines may run in the
// same process; they share only the tracking store.
type Engine struct {
	name    string
	adapter Adapter
	parser  ingest.Parser
	deid    *deid.Engine
	repo    *tracking.Repository
	scorer  *tracking.Scorer
	dlq     *resilience.DLQ

	chunker  Chunker
	embedder Embedder
	vstore   VectorStore

	sequential    bool
	continuous    bool
	limiter       *rate.Limiter
	workers       int
	queueDepth    int
	recordTimeout time.Duration

	ownedConn tracking.Conn
	log       *zap.Logger
}

// Run executes the named pipeline once (or continuously, per opts) and
// returns its summary. Configuration problems surface before any source
// I/O happens.
func Run(ctx context.Context, cfg *config.Config, name string, opts Options) (*RunResult, error) {
	eng, err := NewEngine(ctx, cfg, name, opts)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.Run(ctx)
}

// NewEngine validates the configuration and wires the stages.
func NewEngine(ctx context.Context, cfg *config.Config, name string, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pcfg, ok := cfg.Pipelines[name]
	if !ok {
		return nil, eris.Errorf("pipeline: %q is not configured", name)
	}

	recognizer := opts.Recognizer
	if recognizer != nil {
		recognizer = guardRecognizer(recognizer,
			resilience.FromCircuitConfig(pcfg.Recognizer.FailureThreshold, pcfg.Recognizer.ResetTimeoutSecs))
	}
	deidEngine, err := deid.New(pcfg.Deid, recognizer)
	if err != nil {
		return nil, err
	}

	var payers *x12.PayerTable
	if pcfg.PayerTable != "" {
		payers, err = x12.LoadPayerTable(pcfg.PayerTable)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: payer table")
		}
	}
	parser, err := newRegistry(pcfg.Deid.Salt, payers).Lookup(pcfg.Adapter.Format)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: source format")
	}

	adapter := opts.Adapter
	if adapter == nil {
		switch pcfg.Adapter.Type {
		case "directory":
			adapter = NewDirectoryAdapter(pcfg.Adapter.Path, pcfg.Adapter.Format)
		default:
			return nil, eris.Errorf("pipeline: unknown adapter type %q", pcfg.Adapter.Type)
		}
	}

	sinks := 0
	for _, set := range []bool{opts.Chunker != nil, opts.Embedder != nil, opts.VectorStore != nil} {
		if set {
			sinks++
		}
	}
	if sinks != 0 && sinks != 3 {
		return nil, eris.New("pipeline: chunker, embedder, and vector store must be provided together")
	}

	e := &Engine{
		name:          name,
		adapter:       adapter,
		parser:        parser,
		deid:          deidEngine,
		repo:          opts.Repository,
		scorer:        &tracking.Scorer{},
		dlq:           resilience.NewDLQ(0),
		chunker:       opts.Chunker,
		embedder:      opts.Embedder,
		vstore:        opts.VectorStore,
		sequential:    opts.Sequential,
		continuous:    opts.Continuous,
		workers:       pcfg.Concurrency.Workers,
		queueDepth:    pcfg.Concurrency.QueueDepth,
		recordTimeout: pcfg.Concurrency.RecordTimeout,
		log:           zap.L().Named("pipeline").With(zap.String("pipeline", name)),
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.queueDepth <= 0 {
		e.queueDepth = defaultQueueDepth
	}
	if e.continuous {
		interval := opts.Interval
		if interval <= 0 {
			interval = defaultInterval
		}
		e.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	if e.repo == nil {
		conn, err := tracking.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, err
		}
		e.ownedConn = conn
		e.repo = tracking.NewRepository(conn, storeRetry(cfg.Store.Retry))
		if err := e.repo.Migrate(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return e, nil
}

func storeRetry(c config.RetryConfig) resilience.RetryConfig {
	return resilience.FromRetryConfig(c.MaxAttempts, c.InitialBackoffMs, c.MaxBackoffMs,
		c.Multiplier, c.JitterFraction)
}

// Close releases the store connection when the engine opened it.
func (e *Engine) Close() {
	if e.ownedConn != nil {
		if err := e.ownedConn.Close(); err != nil {
			e.log.Warn("close store", zap.Error(err))
		}
	}
}

// DLQ exposes the dead-letter queue for operator inspection after a run.
func (e *Engine) DLQ() *resilience.DLQ { return e.dlq }

// Run drives the engine to completion under ctx.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	rc := newRunContext(uuid.NewString(), e.name)
	run := &tracking.PipelineRun{RunID: rc.RunID, Pipeline: e.name}
	if err := e.repo.StartRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}

	e.log.Info("run started",
		zap.String("run_id", rc.RunID),
		zap.Bool("sequential", e.sequential),
		zap.Bool("continuous", e.continuous),
	)

	var runErr error
	if e.sequential {
		runErr = e.runSequential(ctx, rc)
	} else {
		runErr = e.runConcurrent(ctx, rc)
	}

	// Warnings and quality scores were buffered during the run; the batch
	// flushes take the backend's bulk paths when it has them.
	if evs := rc.drainWarnings(); len(evs) > 0 {
		if err := e.repo.FlushAuditBatch(context.WithoutCancel(ctx), evs); err != nil {
			e.log.Warn("warning trail not flushed",
				zap.String("run_id", rc.RunID), zap.Int("events", len(evs)), zap.Error(err))
			if runErr == nil && tracking.IsRetryable(err) {
				runErr = eris.Wrap(err, "pipeline: flush warnings")
			}
		}
	}
	if scores := rc.drainScores(); len(scores) > 0 {
		if err := e.repo.FlushQualityBatch(context.WithoutCancel(ctx), scores); err != nil {
			e.log.Warn("quality scores not flushed",
				zap.String("run_id", rc.RunID), zap.Int("scores", len(scores)), zap.Error(err))
			if runErr == nil && tracking.IsRetryable(err) {
				runErr = eris.Wrap(err, "pipeline: flush quality scores")
			}
		}
	}

	status := tracking.RunComplete
	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		status = tracking.RunFailed
	case rc.cancelled.Load() > 0:
		status = tracking.RunCancelled
	case ctx.Err() != nil && !e.continuous:
		status = tracking.RunCancelled
	}

	run.Attempted = int(rc.attempted.Load())
	run.Succeeded = int(rc.succeeded.Load())
	run.Failed = int(rc.failed.Load())
	if err := e.repo.CompleteRun(context.WithoutCancel(ctx), run, status); err != nil {
		e.log.Error("complete run", zap.String("run_id", rc.RunID), zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	res := rc.result(status)
	e.log.Info("run finished",
		zap.String("run_id", rc.RunID),
		zap.String("status", string(status)),
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("parked", e.dlq.Len()),
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return res, runErr
	}
	return res, nil
}

// runSequential traverses every record through all stages in adapter
// order before touching the next one. Audit ordering is deterministic.
func (e *Engine) runSequential(ctx context.Context, rc *RunContext) error {
	for {
		recs, err := e.adapter.Poll(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return eris.Wrap(err, "pipeline: poll source")
		}
		recs = e.splitRecords(recs)
		for i := range recs {
			it := e.newItem(recs[i])
			if ctx.Err() != nil {
				rc.recordAttempt()
				e.cancelRecord(ctx, rc, &it, "ingest")
				continue
			}
			rc.recordAttempt()
			if err := e.processRecord(ctx, rc, &it); err != nil {
				return err
			}
		}
		if !e.continuous || ctx.Err() != nil {
			return nil
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return nil
		}
	}
}

// processRecord runs the stages back to back. Only run-fatal errors
// come back; per-record failures are recorded and swallowed.
func (e *Engine) processRecord(ctx context.Context, rc *RunContext, it *item) error {
	ok, err := e.parse(ctx, rc, it)
	if err != nil || !ok {
		return err
	}
	if ctx.Err() != nil {
		e.cancelRecord(ctx, rc, it, "ingest")
		return nil
	}
	ok, err = e.deidentify(ctx, rc, it)
	if err != nil || !ok {
		return err
	}
	if ctx.Err() != nil {
		e.cancelRecord(ctx, rc, it, "deid")
		return nil
	}
	return e.persist(ctx, rc, it)
}
