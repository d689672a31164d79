// Package relstore implements the relational store backing the memory
// service. The relational row is the source of truth for every memory;
// the vector store only mirrors embeddings keyed by id.
//
// Two backends implement Store: Postgres (production, sqlx + lib/pq)
// and InMem (tests, examples). Both return defensive copies so callers
// can mutate results freely.
package relstore
