// Package vectorstore provides the vector index for memory embeddings.
//
// Each lifecycle tier owns one collection (mem_working, mem_session,
// mem_long_term). The store never embeds anything itself: callers pass
// precomputed vectors, and rows in the relational store remain the
// source of truth for existence. Two implementations are provided:
// Chromem (embedded, default) and Qdrant (external, gRPC).
package vectorstore
