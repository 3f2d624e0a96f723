// Package embedding turns text into vectors for the knowledge store.
package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/support-agent/backend/pkg/circuitbreaker"
	"github.com/support-agent/backend/pkg/logger"
)

// Embedder maps texts to vectors. The result is aligned with texts and every
// vector has the same dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Model     string
	Dimension int
	// BatchSize caps the number of texts sent per upstream call.
	BatchSize     int
	Timeout       time.Duration
	OnStateChange func(name string, from, to circuitbreaker.State)
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return 16
	}
	return o.BatchSize
}

// withTimeout bounds a single upstream call.
func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeout)
}

func newBreaker(name string, opts Options) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    opts.OnStateChange,
		Logger:           logger.GetLogger(),
	})
}

func checkDimension(vectors [][]float32, want int) error {
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d is empty", i)
		}
		if want > 0 && len(v) != want {
			return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", want, len(v))
		}
		if len(v) != len(vectors[0]) {
			return fmt.Errorf("embedding dimension mismatch: %d vs %d", len(v), len(vectors[0]))
		}
	}
	return nil
}

// batches splits texts into consecutive slices of at most size elements.
func batches(texts []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, texts[start:end])
	}
	return out
}
