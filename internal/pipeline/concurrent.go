package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// runConcurrent joins one worker group per stage with bounded channels.
// Sends and receives block when a queue is full; that blocking is the
// only backpressure. A run-fatal error from any worker cancels the
// group; records still queued are drained and recorded cancelled.
func (e *Engine) runConcurrent(ctx context.Context, rc *RunContext) error {
	g, gctx := errgroup.WithContext(ctx)

	rawCh := make(chan item, e.queueDepth)
	parsedCh := make(chan item, e.queueDepth)
	cleanCh := make(chan item, e.queueDepth)

	// Source: single goroutine, preserves adapter order into rawCh.
	g.Go(func() error {
		defer close(rawCh)
		for {
			recs, err := e.adapter.Poll(gctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return eris.Wrap(err, "pipeline: poll source")
			}
			recs = e.splitRecords(recs)
			for i := range recs {
				rc.recordAttempt()
				it := e.newItem(recs[i])
				select {
				case rawCh <- it:
				case <-gctx.Done():
					e.cancelRecord(gctx, rc, &it, "ingest")
					return nil
				}
			}
			if !e.continuous {
				return nil
			}
			if err := e.limiter.Wait(gctx); err != nil {
				return nil
			}
		}
	})

	// Parse workers.
	var parseWG sync.WaitGroup
	parseWG.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			defer parseWG.Done()
			for it := range rawCh {
				if gctx.Err() != nil {
					e.cancelRecord(gctx, rc, &it, "ingest")
					continue
				}
				ok, err := e.parse(gctx, rc, &it)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				select {
				case parsedCh <- it:
				case <-gctx.Done():
					e.cancelRecord(gctx, rc, &it, "ingest")
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		parseWG.Wait()
		close(parsedCh)
		return nil
	})

	// De-identification workers.
	var deidWG sync.WaitGroup
	deidWG.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			defer deidWG.Done()
			for it := range parsedCh {
				if gctx.Err() != nil {
					e.cancelRecord(gctx, rc, &it, "deid")
					continue
				}
				ok, err := e.deidentify(gctx, rc, &it)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				select {
				case cleanCh <- it:
				case <-gctx.Done():
					e.cancelRecord(gctx, rc, &it, "deid")
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		deidWG.Wait()
		close(cleanCh)
		return nil
	})

	// Persist: single writer keeps store contention down.
	g.Go(func() error {
		for it := range cleanCh {
			if gctx.Err() != nil {
				e.cancelRecord(gctx, rc, &it, "persist")
				continue
			}
			if err := e.persist(gctx, rc, &it); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}
