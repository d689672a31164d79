package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrVectorNotFound is returned when an id has no vector in the
	// collection.
	ErrVectorNotFound = errors.New("vector not found")

	// ErrInvalidCollectionName indicates collection name validation
	// failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrDimensionMismatch is returned when a vector does not match the
	// configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name.
// Rejects uppercase, special characters, path traversal, and spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Hit is a single similarity match. Only the id and score live here;
// callers hydrate full rows from the relational store.
type Hit struct {
	ID         string
	Similarity float32
	Collection string
}

// Store is the vector index interface. Implementations store
// precomputed embeddings keyed by memory id, partitioned into one
// collection per tier.
type Store interface {
	// EnsureCollections creates any missing collections. Idempotent.
	EnsureCollections(ctx context.Context, names []string) error

	// Add upserts one vector with its payload into a collection.
	Add(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error

	// SearchByVector returns up to k hits across the union of the given
	// collections, ordered by similarity descending. Hits below
	// minSimilarity are dropped. A missing collection contributes no
	// hits rather than failing the search.
	SearchByVector(ctx context.Context, collections []string, vector []float32, k int, minSimilarity float32) ([]Hit, error)

	// GetVector returns the stored vector for id, or ErrVectorNotFound.
	GetVector(ctx context.Context, collection, id string) ([]float32, error)

	// Delete removes ids from a collection. Absent ids and absent
	// collections are not errors.
	Delete(ctx context.Context, collection string, ids ...string) error

	// ListIDs returns every id in a collection. Used by the repair
	// worker to reap shadow vectors.
	ListIDs(ctx context.Context, collection string) ([]string, error)

	// Count returns the number of vectors in a collection. A missing
	// collection counts as zero.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases resources.
	Close() error
}
