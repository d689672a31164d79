package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// GuardConfig bounds retry, breaker, and concurrency behavior.
type GuardConfig struct {
	Retry         config.RetryConfig
	MaxConcurrent int
}

// Guarded wraps a provider with exponential-backoff retries, a circuit
// breaker, and a concurrency limit. Only transient outages
// (memory.ErrEmbedUnavailable) are retried or counted against the
// breaker; rejected inputs fail immediately.
type Guarded struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	sem     chan struct{}
	retry   config.RetryConfig
	logger  *zap.Logger
}

var _ Provider = (*Guarded)(nil)

// NewGuarded wraps inner with the failure guard.
func NewGuarded(inner Provider, cfg GuardConfig, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}

	retry := cfg.Retry
	if retry.Base <= 0 {
		retry.Base = 500 * time.Millisecond
	}
	if retry.Cap <= 0 {
		retry.Cap = 30 * time.Second
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	settings := gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Rejected inputs are the caller's problem, not an outage.
			return err == nil || !errors.Is(err, memory.ErrEmbedUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedder breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Guarded{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		sem:     make(chan struct{}, maxConcurrent),
		retry:   retry,
		logger:  logger,
	}
}

// EmbedQuery embeds a single query with retries.
func (g *Guarded) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	var result []float32
	err := backoff.Retry(func() error {
		res, err := g.breaker.Execute(func() (interface{}, error) {
			return g.inner.EmbedQuery(ctx, text)
		})
		if err != nil {
			return g.classify(err)
		}
		result = res.([]float32)
		return nil
	}, g.newBackOff(ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedDocuments embeds a batch with retries.
func (g *Guarded) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	var result [][]float32
	err := backoff.Retry(func() error {
		res, err := g.breaker.Execute(func() (interface{}, error) {
			return g.inner.EmbedDocuments(ctx, texts)
		})
		if err != nil {
			return g.classify(err)
		}
		result = res.([][]float32)
		return nil
	}, g.newBackOff(ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classify decides whether an error is worth another attempt.
func (g *Guarded) classify(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Fail fast while the breaker cools down.
		return backoff.Permanent(fmt.Errorf("%w: circuit open", memory.ErrEmbedUnavailable))
	}
	if errors.Is(err, memory.ErrEmbedUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}

func (g *Guarded) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.Base
	b.MaxInterval = g.retry.Cap
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = b
	if g.retry.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(b, uint64(g.retry.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

func (g *Guarded) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Guarded) release() {
	<-g.sem
}

// Healthy reports whether the breaker currently admits calls. It goes
// false after enough consecutive outages and recovers with the breaker.
func (g *Guarded) Healthy() bool {
	return g.breaker.State() != gobreaker.StateOpen
}

// Dimension returns the inner provider's dimension.
func (g *Guarded) Dimension() int {
	return g.inner.Dimension()
}

// Close closes the inner provider.
func (g *Guarded) Close() error {
	return g.inner.Close()
}
