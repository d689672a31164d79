package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Fake is a deterministic in-process provider for tests and the
// embedded example. The vector for a text is derived from its SHA-256
// hash, so equal texts embed identically across processes and runs.
type Fake struct {
	dim int

	mu     sync.Mutex
	pinned map[string][]float32
	errs   []error
	calls  int
}

var _ Provider = (*Fake)(nil)

// NewFake creates a fake provider producing unit vectors of the given
// dimension.
func NewFake(dim int) *Fake {
	if dim <= 0 {
		dim = 64
	}
	return &Fake{
		dim:    dim,
		pinned: make(map[string][]float32),
	}
}

// Pin fixes the vector returned for a text. Panics if the dimension
// does not match.
func (f *Fake) Pin(text string, vec []float32) {
	if len(vec) != f.dim {
		panic(fmt.Sprintf("embeddings: pinned vector has dimension %d, want %d", len(vec), f.dim))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[text] = vec
}

// QueueErrors makes the next len(errs) calls fail in order.
func (f *Fake) QueueErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

// Calls returns how many embed calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// EmbedQuery returns the deterministic vector for text.
func (f *Fake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.vector(text), nil
}

// EmbedDocuments returns deterministic vectors for each text.
func (f *Fake) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

// vector derives an L2-normalized vector from the text hash. Caller
// must hold f.mu.
func (f *Fake) vector(text string) []float32 {
	if v, ok := f.pinned[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}

	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, f.dim)
	var norm float64
	for i := range vec {
		vec[i] = float32(rng.Float64()*2 - 1)
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Dimension returns the configured dimension.
func (f *Fake) Dimension() int {
	return f.dim
}

// Close is a no-op.
func (f *Fake) Close() error {
	return nil
}
