// Package service is the facade the HTTP server and CLI sit on.
//
// The write path assesses importance and gates low-value content
// before it ever reaches storage; a gated write is an answer, not an
// error. The read path prefers semantic recall and falls back to exact
// search when the embedder or vector index is down, marking the result
// set degraded instead of failing. Stats and health merge the view
// across both store halves and the lifecycle manager.
package service
