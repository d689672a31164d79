// Package retrieval ranks memories for the three search modes.
//
// Exact search ranks relational substring hits by match class, match
// position, and recency without touching the embedder. Semantic search
// embeds the query once, fans out across the tier collections, and
// fuses similarity with recency, importance, access frequency, and
// context affinity. Hybrid search runs both legs, normalizes each
// score set, and blends them with a configurable exact weight; when
// the semantic leg is unavailable it degrades to exact-only and flags
// the result set instead of failing.
package retrieval
