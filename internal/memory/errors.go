package memory

import "errors"

// Error kinds surfaced by the memory service. Callers classify with
// errors.Is; everything else wraps one of these.
var (
	// ErrStoreUnavailable indicates the relational store cannot be
	// reached. Transient.
	ErrStoreUnavailable = errors.New("relational store unavailable")

	// ErrEmbedUnavailable indicates the embedder cannot be reached or
	// timed out. Transient, retried with backoff before surfacing.
	ErrEmbedUnavailable = errors.New("embedder unavailable")

	// ErrEmbedInvalid indicates input the embedder can never accept,
	// such as empty text. Permanent, never retried.
	ErrEmbedInvalid = errors.New("embedding input invalid")

	// ErrSemanticUnavailable indicates semantic search cannot run
	// because the embedder or vector store is down. Exact search still
	// works; results carry a degraded flag.
	ErrSemanticUnavailable = errors.New("semantic search unavailable")

	// ErrNotFound indicates the id does not exist in the relational
	// store.
	ErrNotFound = errors.New("memory not found")

	// ErrConflict indicates an id collision on insert.
	ErrConflict = errors.New("memory id conflict")

	// ErrInvalid indicates malformed caller input.
	ErrInvalid = errors.New("invalid input")

	// ErrTimeout indicates the operation deadline elapsed.
	ErrTimeout = errors.New("operation timed out")

	// ErrQuarantined indicates the memory is excluded from sweeps and
	// retrieval after repeated sweep failures.
	ErrQuarantined = errors.New("memory quarantined")
)
