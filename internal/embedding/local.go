package embedding

import (
	"context"
	"fmt"
)

// LocalProvider embeds through a local Ollama server's batch endpoint.
type LocalProvider struct {
	client
}

func NewLocalProvider(cfg Config) *LocalProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	return &LocalProvider{client: newClient(cfg)}
}

type ollamaEmbedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends all texts in one /api/embed call. Over-long inputs are truncated
// by the server rather than rejected.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out ollamaEmbedResponse
	req := ollamaEmbedRequest{Model: p.model, Input: texts, Truncate: true}
	if err := p.post(ctx, "/api/embed", req, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: ollama returned %d vectors for %d inputs", len(out.Embeddings), len(texts))
	}
	p.remember(out.Embeddings)
	return out.Embeddings, nil
}
