// Package embeddings provides embedding generation via multiple providers.
//
// Supports TEI (external service), FastEmbed (local ONNX, behind the
// fastembed build tag), and a deterministic fake for tests. The factory
// wraps the selected provider with a retry/circuit-breaker guard and an
// LRU cache so callers never talk to a raw provider.
//
// Failures are classified into two kinds: transient outages surface as
// memory.ErrEmbedUnavailable and are retried, while rejected inputs and
// malformed outputs surface as memory.ErrEmbedInvalid and are not.
package embeddings
