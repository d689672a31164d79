package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const embeddingsInstrumentationName = "github.com/fyrsmithlabs/recalld/internal/embeddings"

// Metrics holds all embedding-related metrics.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	duration    metric.Float64Histogram
	batchSize   metric.Int64Histogram
	errors      metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
}

// NewMetrics creates a new Metrics instance for embeddings.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(embeddingsInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"recalld.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of embedding generation in seconds, labeled by model and operation (embed_query, embed_documents)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"recalld.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding batch request"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"recalld.embedding.errors_total",
		metric.WithDescription("Total embedding generation errors by model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.cacheHits, err = m.meter.Int64Counter(
		"recalld.embedding.cache_hits_total",
		metric.WithDescription("Embedding LRU cache hits by model"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache hits counter", zap.Error(err))
	}

	m.cacheMisses, err = m.meter.Int64Counter(
		"recalld.embedding.cache_misses_total",
		metric.WithDescription("Embedding LRU cache misses by model"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache misses counter", zap.Error(err))
	}
}

// RecordGeneration records embedding generation metrics.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, duration time.Duration, batchSize int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("operation", operation),
	}

	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}

	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), metric.WithAttributes(attrs...))
	}

	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordCacheHit records an LRU cache hit.
func (m *Metrics) RecordCacheHit(ctx context.Context, model string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// RecordCacheMiss records an LRU cache miss.
func (m *Metrics) RecordCacheMiss(ctx context.Context, model string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}
