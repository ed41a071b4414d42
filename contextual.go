package caption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ollama/ollama/api"
)

// ErrMissingFallback is returned when a word has no static vector and no
// contextual embedder was supplied.
var ErrMissingFallback = errors.New("caption: word has no static vector and no fallback embedder")

// ErrDimensionMismatch indicates a vector whose width differs from the
// embedding width.
var ErrDimensionMismatch = errors.New("caption: embedding dimension mismatch")

// ContextualEmbedder produces vectors from a context-aware model. Embed
// returns one vector per piece, in order.
type ContextualEmbedder interface {
	Embed(ctx context.Context, pieces []string) ([][]float64, error)
}

// OllamaEmbedder asks an Ollama server's embed endpoint for vectors.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

// NewOllamaEmbedder uses client to reach model.
func NewOllamaEmbedder(client *api.Client, model string) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model}
}

// NewOllamaEmbedderFromEnvironment connects to the host named by OLLAMA_HOST.
func NewOllamaEmbedderFromEnvironment(model string) (*OllamaEmbedder, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return NewOllamaEmbedder(client, model), nil
}

// Embed sends all pieces in one request.
func (e *OllamaEmbedder) Embed(ctx context.Context, pieces []string) ([][]float64, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{Model: e.model, Input: pieces})
	if err != nil {
		return nil, fmt.Errorf("ollama embed %q: %w", e.model, err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama embed %q: empty response", e.model)
	}

	out := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = make([]float64, len(emb))
		for j, v := range emb {
			out[i][j] = float64(v)
		}
	}
	return out, nil
}

// EmbeddingSources are the pretrained resources the decoder's embedding
// table is built from.
type EmbeddingSources struct {
	Static   *WordVectors
	Fallback ContextualEmbedder
}

// LoadEmbeddingSources reads the word-vector file and, when ollamaModel is
// non-empty, connects the contextual fallback. It blocks until the file is
// parsed; there is no retry.
func LoadEmbeddingSources(vecPath, ollamaModel string) (EmbeddingSources, error) {
	wv, err := LoadWordVectors(vecPath)
	if err != nil {
		return EmbeddingSources{}, err
	}
	slog.Info("loaded word vectors", "path", vecPath, "words", wv.Len(), "dim", wv.Dim())

	src := EmbeddingSources{Static: wv}
	if ollamaModel != "" {
		fb, err := NewOllamaEmbedderFromEnvironment(ollamaModel)
		if err != nil {
			return EmbeddingSources{}, err
		}
		src.Fallback = fb
	}
	return src, nil
}
