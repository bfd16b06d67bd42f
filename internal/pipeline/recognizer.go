package pipeline

import (
	"context"

	"github.com/PulsePipe/pulsepipe/internal/deid"
	"github.com/PulsePipe/pulsepipe/internal/resilience"
)

// guardedRecognizer fronts the external NER service with a circuit
// breaker; once the breaker opens, entity scans fail immediately.
type guardedRecognizer struct {
	inner deid.Recognizer
	cb    *resilience.CircuitBreaker
}

func guardRecognizer(inner deid.Recognizer, cfg resilience.CircuitBreakerConfig) deid.Recognizer {
	return &guardedRecognizer{inner: inner, cb: resilience.NewCircuitBreaker(cfg)}
}

func (r *guardedRecognizer) Detect(ctx context.Context, text string) ([]deid.Entity, error) {
	return resilience.ExecuteVal(ctx, r.cb, func(ctx context.Context) ([]deid.Entity, error) {
		return r.inner.Detect(ctx, text)
	})
}
