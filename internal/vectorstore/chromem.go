package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("recalld.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps all
	// vectors in memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Dimension is the embedding dimension; every vector must match.
	Dimension int
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// Chromem implements Store on chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies: pure Go, no external service, persistence to gob files.
type Chromem struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

var _ Store = (*Chromem)(nil)

// NewChromem creates a Chromem store. With an empty path the store is
// purely in-memory, which tests and the examples rely on.
func NewChromem(config ChromemConfig, logger *zap.Logger) (*Chromem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
		zap.Int("dimension", config.Dimension),
	)

	return &Chromem{db: db, config: config, logger: logger}, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbedFunc is installed on every collection. Vectors are always
// precomputed, so chromem must never embed on its own; passing nil
// would silently install chromem's OpenAI default.
func noEmbedFunc(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vector must be precomputed")
}

// EnsureCollections creates any missing collections.
func (s *Chromem) EnsureCollections(ctx context.Context, names []string) error {
	_, span := chromemTracer.Start(ctx, "Chromem.EnsureCollections")
	defer span.End()
	span.SetAttributes(attribute.Int("collection_count", len(names)))

	for _, name := range names {
		if err := ValidateCollectionName(name); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if _, err := s.db.GetOrCreateCollection(name, nil, noEmbedFunc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Add upserts one vector into a collection.
func (s *Chromem) Add(ctx context.Context, collection, id string, vector []float32, payload map[string]string) (err error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Add")
	defer span.End()
	defer func(start time.Time) { observeOp("chromem", "add", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", collection))

	if err = ValidateCollectionName(collection); err != nil {
		span.RecordError(err)
		return err
	}
	if len(vector) != s.config.Dimension {
		err = fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.config.Dimension)
		span.RecordError(err)
		return err
	}

	coll, err := s.db.GetOrCreateCollection(collection, nil, noEmbedFunc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("getting collection %s: %w", collection, err)
	}

	// chromem normalizes embeddings in place, so hand it a copy.
	doc := chromem.Document{
		ID:        id,
		Metadata:  payload,
		Embedding: append([]float32(nil), vector...),
	}
	if err = coll.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding vector %s to %s: %w", id, collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// SearchByVector returns the top-k hits across the given collections.
func (s *Chromem) SearchByVector(ctx context.Context, collections []string, vector []float32, k int, minSimilarity float32) (_ []Hit, err error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.SearchByVector")
	defer span.End()
	defer func(start time.Time) { observeOp("chromem", "search", start, err) }(time.Now())
	span.SetAttributes(
		attribute.Int("collection_count", len(collections)),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) != s.config.Dimension {
		err = fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.config.Dimension)
		span.RecordError(err)
		return nil, err
	}

	var hits []Hit
	for _, name := range collections {
		if err = ValidateCollectionName(name); err != nil {
			span.RecordError(err)
			return nil, err
		}
		coll := s.db.GetCollection(name, noEmbedFunc)
		if coll == nil {
			continue
		}
		count := coll.Count()
		if count == 0 {
			continue
		}
		// chromem requires nResults <= document count.
		n := k
		if n > count {
			n = count
		}
		results, qerr := coll.QueryEmbedding(ctx, vector, n, nil, nil)
		if qerr != nil {
			err = fmt.Errorf("querying collection %s: %w", name, qerr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		for _, r := range results {
			if r.Similarity < minSimilarity {
				continue
			}
			hits = append(hits, Hit{ID: r.ID, Similarity: r.Similarity, Collection: name})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// GetVector returns the stored vector for id.
func (s *Chromem) GetVector(ctx context.Context, collection, id string) (_ []float32, err error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.GetVector")
	defer span.End()
	defer func(start time.Time) { observeOp("chromem", "get_vector", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", collection))

	if err = ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	coll := s.db.GetCollection(collection, noEmbedFunc)
	if coll == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	doc, err := coll.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrVectorNotFound, id, collection)
	}
	return append([]float32(nil), doc.Embedding...), nil
}

// Delete removes ids from a collection. Absent ids are ignored.
func (s *Chromem) Delete(ctx context.Context, collection string, ids ...string) (err error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Delete")
	defer span.End()
	defer func(start time.Time) { observeOp("chromem", "delete", start, err) }(time.Now())
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("id_count", len(ids)),
	)

	if len(ids) == 0 {
		return nil
	}
	if err = ValidateCollectionName(collection); err != nil {
		return err
	}
	coll := s.db.GetCollection(collection, noEmbedFunc)
	if coll == nil {
		return nil
	}
	if err = coll.Delete(ctx, nil, nil, ids...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from %s: %w", collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// ListIDs returns every id in a collection. chromem has no enumeration
// API, so a full-width probe query returns every document.
func (s *Chromem) ListIDs(ctx context.Context, collection string) ([]string, error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.ListIDs")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	coll := s.db.GetCollection(collection, noEmbedFunc)
	if coll == nil {
		return nil, nil
	}
	count := coll.Count()
	if count == 0 {
		return nil, nil
	}

	probe := make([]float32, s.config.Dimension)
	probe[0] = 1
	results, err := coll.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing ids in %s: %w", collection, err)
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	span.SetAttributes(attribute.Int("id_count", len(ids)))
	return ids, nil
}

// Count returns the number of vectors in a collection.
func (s *Chromem) Count(ctx context.Context, collection string) (int, error) {
	_, span := chromemTracer.Start(ctx, "Chromem.Count")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}
	coll := s.db.GetCollection(collection, noEmbedFunc)
	if coll == nil {
		return 0, nil
	}
	return coll.Count(), nil
}

// Close releases resources. chromem persists on every write, so there
// is nothing to flush.
func (s *Chromem) Close() error {
	return nil
}
