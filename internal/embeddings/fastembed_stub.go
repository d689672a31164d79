//go:build !fastembed

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned when the binary was built
// without the fastembed tag. Use the TEI provider instead.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (build with -tags fastembed)")

// FastEmbedConfig holds configuration for the FastEmbed provider.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// FastEmbed is a stub for builds without the fastembed tag.
type FastEmbed struct{}

// NewFastEmbed returns an error when FastEmbed support is not compiled in.
func NewFastEmbed(_ FastEmbedConfig) (*FastEmbed, error) {
	return nil, ErrFastEmbedNotAvailable
}

// EmbedDocuments returns an error when FastEmbed support is not compiled in.
func (p *FastEmbed) EmbedDocuments(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

// EmbedQuery returns an error when FastEmbed support is not compiled in.
func (p *FastEmbed) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

// Dimension returns 0 when FastEmbed support is not compiled in.
func (p *FastEmbed) Dimension() int {
	return 0
}

// Close is a no-op.
func (p *FastEmbed) Close() error {
	return nil
}
