package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// TEIConfig holds configuration for the TEI provider.
type TEIConfig struct {
	// BaseURL is the root of the text-embeddings-inference server,
	// e.g. http://localhost:8080.
	BaseURL string

	// Model names the served model. Informational; TEI serves one
	// model per instance.
	Model string

	// Dim is the expected embedding dimension.
	Dim int
}

// TEI generates embeddings by calling a text-embeddings-inference
// server over HTTP.
type TEI struct {
	config  TEIConfig
	client  *http.Client
	metrics *Metrics
}

var _ Provider = (*TEI)(nil)

// NewTEI creates a TEI provider.
func NewTEI(cfg TEIConfig, metrics *Metrics) (*TEI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return &TEI{
		config:  cfg,
		client:  &http.Client{},
		metrics: metrics,
	}, nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// EmbedDocuments generates embeddings for multiple texts.
func (t *TEI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		t.metrics.RecordGeneration(ctx, t.config.Model, "embed_documents", time.Since(start), len(texts), genErr)
	}()

	if len(texts) == 0 {
		genErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	vectors, err := t.embed(ctx, teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		genErr = err
		return nil, err
	}

	if len(vectors) != len(texts) {
		genErr = fmt.Errorf("%w: got %d vectors for %d texts", memory.ErrEmbedInvalid, len(vectors), len(texts))
		return nil, genErr
	}
	for _, vec := range vectors {
		if len(vec) != t.config.Dim {
			genErr = fmt.Errorf("%w: got dimension %d, want %d", memory.ErrEmbedInvalid, len(vec), t.config.Dim)
			return nil, genErr
		}
	}

	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (t *TEI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		t.metrics.RecordGeneration(ctx, t.config.Model, "embed_query", time.Since(start), 1, genErr)
	}()

	if text == "" {
		genErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return nil, genErr
	}

	vectors, err := t.embed(ctx, teiRequest{Inputs: text, Truncate: true})
	if err != nil {
		genErr = err
		return nil, err
	}

	if len(vectors) == 0 {
		genErr = fmt.Errorf("%w: empty response", memory.ErrEmbedInvalid)
		return nil, genErr
	}
	if len(vectors[0]) != t.config.Dim {
		genErr = fmt.Errorf("%w: got dimension %d, want %d", memory.ErrEmbedInvalid, len(vectors[0]), t.config.Dim)
		return nil, genErr
	}

	return vectors[0], nil
}

// embed posts the request and classifies failures: transport errors
// and 5xx/429/408 are transient, other 4xx mean the input was rejected.
func (t *TEI) embed(ctx context.Context, req teiRequest) ([][]float32, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", memory.ErrEmbedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if transientStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: status %d: %s", memory.ErrEmbedUnavailable, resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("%w: status %d: %s", memory.ErrEmbedInvalid, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", memory.ErrEmbedInvalid, err)
	}

	return vectors, nil
}

func transientStatus(code int) bool {
	return code >= 500 ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

// Dimension returns the configured embedding dimension.
func (t *TEI) Dimension() int {
	return t.config.Dim
}

// Close releases idle connections.
func (t *TEI) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
