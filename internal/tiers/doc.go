// Package tiers runs the memory lifecycle: a background sweeper ages
// working memories into the session tier, promotes important session
// memories into long_term, evicts low-value working rows, and merges
// duplicates at the end of each sweep.
//
// The sweeper paginates the relational store by (tier, created_at) and
// applies at most one transition per row per sweep. All row mutations
// pass through a rate-limited lane so background maintenance cannot
// starve foreground retrieval. Rows that fail three sweeps in a row
// are quarantined and skipped until an operator intervenes.
package tiers
