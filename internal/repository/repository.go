package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/relstore"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("recalld.repository")

// Config tunes the repository's queue and workers.
type Config struct {
	// TouchQueueSize bounds the access-tracking queue. On overflow the
	// oldest events are dropped. Default: 10000.
	TouchQueueSize int

	// TouchFlushInterval is how often buffered touches are written.
	// Default: 1s.
	TouchFlushInterval time.Duration

	// RepairInterval is how often pending rows are re-embedded and
	// shadow vectors reaped. Default: 5m.
	RepairInterval time.Duration

	// RepairBatch bounds pending rows handled per repair pass.
	// Default: 256.
	RepairBatch int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TouchQueueSize <= 0 {
		c.TouchQueueSize = 10000
	}
	if c.TouchFlushInterval <= 0 {
		c.TouchFlushInterval = time.Second
	}
	if c.RepairInterval <= 0 {
		c.RepairInterval = 5 * time.Minute
	}
	if c.RepairBatch <= 0 {
		c.RepairBatch = 256
	}
}

// ConfigFrom assembles the queue and worker settings from the loaded
// service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TouchQueueSize:     cfg.Retrieval.TouchQueueSize,
		TouchFlushInterval: cfg.Retrieval.TouchFlushInterval,
		RepairInterval:     cfg.Tiers.RepairInterval,
	}
}

// Match pairs a hydrated memory with its vector similarity.
type Match struct {
	Memory     *memory.Memory
	Similarity float64
}

// Stats combines both halves of the store.
type Stats struct {
	Relational     *relstore.Stats `json:"relational"`
	VectorCounts   map[string]int  `json:"vector_counts"`
	TouchesDropped uint64          `json:"touches_dropped"`
}

// Repository coordinates the relational store and the vector index.
type Repository struct {
	rel      relstore.Store
	vec      vectorstore.Store
	embedder embeddings.Provider
	config   Config
	logger   *zap.Logger

	locks   *keyedMutex
	touches *touchQueue

	// retryTouches holds a failed batch for the next flush. Only the
	// flush loop touches it.
	retryTouches []relstore.Touch

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a repository. The embedder is only used by the repair
// worker; foreground writes receive precomputed vectors.
func New(rel relstore.Store, vec vectorstore.Store, embedder embeddings.Provider, config Config, logger *zap.Logger) (*Repository, error) {
	if rel == nil {
		return nil, fmt.Errorf("%w: relational store is required", memory.ErrInvalid)
	}
	if vec == nil {
		return nil, fmt.Errorf("%w: vector store is required", memory.ErrInvalid)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", memory.ErrInvalid)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	return &Repository{
		rel:      rel,
		vec:      vec,
		embedder: embedder,
		config:   config,
		logger:   logger,
		locks:    newKeyedMutex(),
		touches:  newTouchQueue(config.TouchQueueSize),
	}, nil
}

// EnsureCollections creates the per-tier vector collections.
func (r *Repository) EnsureCollections(ctx context.Context) error {
	names := make([]string, len(memory.Tiers))
	for i, t := range memory.Tiers {
		names[i] = t.Collection()
	}
	return r.vec.EnsureCollections(ctx, names)
}

// vectorPayload is the metadata stored alongside each vector. The
// authoritative copy of every field lives in the relational row.
func vectorPayload(m *memory.Memory) map[string]string {
	return map[string]string{
		"tier":        string(m.Tier),
		"vault_scope": string(m.VaultScope),
		"context":     m.Context,
	}
}

// Put stores a memory: relational row first, then the vector. A vector
// write failure marks the row pending_embedding and still succeeds; the
// repair worker finishes the job. An empty embedding is pending from
// the start.
func (r *Repository) Put(ctx context.Context, m *memory.Memory, embedding []float32) (err error) {
	ctx, span := tracer.Start(ctx, "Repository.Put")
	defer span.End()

	if m == nil {
		return fmt.Errorf("%w: memory is nil", memory.ErrInvalid)
	}
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating id: %w", err)
		}
		m.ID = id.String()
	}
	span.SetAttributes(attribute.String("memory.id", m.ID))
	if err = m.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	unlock := r.locks.Lock(m.ID)
	defer unlock()

	m.PendingEmbedding = len(embedding) == 0
	if err = r.rel.Insert(ctx, m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if m.PendingEmbedding {
		PendingWrites.Inc()
		span.SetAttributes(attribute.Bool("pending_embedding", true))
		span.SetStatus(codes.Ok, "stored pending")
		return nil
	}

	if verr := r.vec.Add(ctx, m.Tier.Collection(), m.ID, embedding, vectorPayload(m)); verr != nil {
		m.PendingEmbedding = true
		if uerr := r.rel.Update(ctx, m); uerr != nil {
			r.logger.Error("failed to mark row pending after vector write failure",
				zap.String("id", m.ID),
				zap.NamedError("vector_error", verr),
				zap.Error(uerr),
			)
			span.RecordError(uerr)
			span.SetStatus(codes.Error, uerr.Error())
			return uerr
		}
		PendingWrites.Inc()
		r.logger.Warn("vector write failed, row queued for repair",
			zap.String("id", m.ID),
			zap.Error(verr),
		)
		span.SetAttributes(attribute.Bool("pending_embedding", true))
	}

	span.SetStatus(codes.Ok, "stored")
	return nil
}

// Get returns the memory by id from the relational store.
func (r *Repository) Get(ctx context.Context, id string) (*memory.Memory, error) {
	ctx, span := tracer.Start(ctx, "Repository.Get")
	defer span.End()
	span.SetAttributes(attribute.String("memory.id", id))
	return r.rel.Get(ctx, id)
}

// GetByHash returns the newest memory with the content hash in the
// vault scope.
func (r *Repository) GetByHash(ctx context.Context, hash string, scope memory.VaultScope) (*memory.Memory, error) {
	return r.rel.GetByHash(ctx, hash, scope)
}

// ListPage pages the rows of one tier for the lifecycle workers.
func (r *Repository) ListPage(ctx context.Context, tier memory.Tier, after relstore.PageToken, limit int) ([]*memory.Memory, relstore.PageToken, error) {
	return r.rel.ListPage(ctx, tier, after, limit)
}

// Delete removes a memory everywhere: vectors first (best effort, all
// collections), then the row. Deleting an absent id succeeds.
func (r *Repository) Delete(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "Repository.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("memory.id", id))

	unlock := r.locks.Lock(id)
	defer unlock()

	for _, t := range memory.Tiers {
		if verr := r.vec.Delete(ctx, t.Collection(), id); verr != nil {
			// Leftovers become shadows; the repair worker reaps them.
			r.logger.Warn("vector delete failed",
				zap.String("id", id),
				zap.String("collection", t.Collection()),
				zap.Error(verr),
			)
		}
	}

	if err = r.rel.Delete(ctx, id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			span.SetStatus(codes.Ok, "already absent")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "deleted")
	return nil
}

// UpdateTier migrates a memory between tiers in two phases: the vector
// is copied into the new collection, then the row flips, then the old
// vector is removed. A crash after the flip leaves a shadow that the
// repair worker reaps; the row is the source of truth throughout.
func (r *Repository) UpdateTier(ctx context.Context, id string, newTier memory.Tier) (err error) {
	ctx, span := tracer.Start(ctx, "Repository.UpdateTier")
	defer span.End()
	span.SetAttributes(
		attribute.String("memory.id", id),
		attribute.String("tier.new", string(newTier)),
	)

	if !newTier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", memory.ErrInvalid, newTier)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	m, err := r.rel.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if m.Tier == newTier {
		span.SetStatus(codes.Ok, "no-op")
		return nil
	}
	span.SetAttributes(attribute.String("tier.old", string(m.Tier)))
	oldCollection := m.Tier.Collection()

	if !m.PendingEmbedding {
		vec, gerr := r.vec.GetVector(ctx, oldCollection, id)
		switch {
		case gerr == nil:
			m.Tier = newTier
			if aerr := r.vec.Add(ctx, newTier.Collection(), id, vec, vectorPayload(m)); aerr != nil {
				span.RecordError(aerr)
				span.SetStatus(codes.Error, aerr.Error())
				return fmt.Errorf("copying vector into %s: %w", newTier.Collection(), aerr)
			}
		case errors.Is(gerr, vectorstore.ErrVectorNotFound),
			errors.Is(gerr, vectorstore.ErrCollectionNotFound):
			// Vector went missing; repair re-embeds into the new tier.
			m.PendingEmbedding = true
			r.logger.Warn("vector missing during tier migration, marked pending",
				zap.String("id", id),
				zap.String("collection", oldCollection),
			)
		default:
			span.RecordError(gerr)
			span.SetStatus(codes.Error, gerr.Error())
			return gerr
		}
	}

	m.Tier = newTier
	if err = r.rel.Update(ctx, m); err != nil {
		// The copied vector is now a shadow in the new collection.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if derr := r.vec.Delete(ctx, oldCollection, id); derr != nil {
		r.logger.Warn("old vector left behind after tier migration",
			zap.String("id", id),
			zap.String("collection", oldCollection),
			zap.Error(derr),
		)
	}

	span.SetStatus(codes.Ok, "migrated")
	return nil
}

// Update rewrites the mutable fields of a memory row. The vector is
// untouched; content never changes after insert.
func (r *Repository) Update(ctx context.Context, m *memory.Memory) error {
	ctx, span := tracer.Start(ctx, "Repository.Update")
	defer span.End()
	if m == nil {
		return fmt.Errorf("%w: memory is nil", memory.ErrInvalid)
	}
	span.SetAttributes(attribute.String("memory.id", m.ID))

	unlock := r.locks.Lock(m.ID)
	defer unlock()
	return r.rel.Update(ctx, m)
}

// Stats returns row counts and per-collection vector counts.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "Repository.Stats")
	defer span.End()

	relStats, err := r.rel.Stats(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	counts := make(map[string]int, len(memory.Tiers))
	for _, t := range memory.Tiers {
		n, cerr := r.vec.Count(ctx, t.Collection())
		if cerr != nil {
			r.logger.Warn("vector count failed",
				zap.String("collection", t.Collection()),
				zap.Error(cerr),
			)
			continue
		}
		counts[t.Collection()] = n
		vectorstore.CollectionSize.WithLabelValues(t.Collection()).Set(float64(n))
	}

	return &Stats{
		Relational:     relStats,
		VectorCounts:   counts,
		TouchesDropped: r.touches.Dropped(),
	}, nil
}

// Ping verifies both halves are reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.PingRelational(ctx); err != nil {
		return err
	}
	return r.PingVector(ctx)
}

// PingRelational checks only the relational half.
func (r *Repository) PingRelational(ctx context.Context) error {
	return r.rel.Ping(ctx)
}

// PingVector checks only the vector half.
func (r *Repository) PingVector(ctx context.Context) error {
	if _, err := r.vec.Count(ctx, memory.TierWorking.Collection()); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrSemanticUnavailable, err)
	}
	return nil
}

// Start launches the touch flusher and the repair worker.
func (r *Repository) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Info("starting repository workers",
		zap.Duration("touch_flush_interval", r.config.TouchFlushInterval),
		zap.Duration("repair_interval", r.config.RepairInterval),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("touch flusher panicked",
					zap.Any("panic", p),
					zap.Stack("stack"),
				)
			}
		}()
		r.flushLoop(ctx, stopCh)
	}()
	go func() {
		defer wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("repair worker panicked",
					zap.Any("panic", p),
					zap.Stack("stack"),
				)
			}
		}()
		r.repairLoop(ctx, stopCh)
	}()
	go func() {
		wg.Wait()
		close(doneCh)
	}()
}

// Stop halts the workers and flushes any buffered touches.
func (r *Repository) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Info("stopping repository workers")
	close(stopCh)
	<-doneCh
}

// Close stops workers and closes both stores.
func (r *Repository) Close() error {
	r.Stop()
	err := r.rel.Close()
	if verr := r.vec.Close(); verr != nil && err == nil {
		err = verr
	}
	return err
}
