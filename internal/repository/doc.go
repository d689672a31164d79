// Package repository coordinates the relational store and the vector
// index behind one facade.
//
// The relational store is the source of truth for existence; the vector
// index is exactly that, an index. Writes land in the relational store
// first, and a vector write failure degrades the memory to
// pending_embedding instead of failing the operation. Two background
// workers keep the halves converged: a touch flusher batches access
// bumps, and a repair worker re-embeds pending rows and reaps shadow
// vectors left behind by interrupted tier migrations.
package repository
