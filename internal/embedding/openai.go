package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/support-agent/backend/pkg/circuitbreaker"
	"github.com/support-agent/backend/pkg/logger"
)

type OpenAIEmbedder struct {
	client *openai.Client
	opts   Options
	cb     *circuitbreaker.CircuitBreaker
}

func NewOpenAIEmbedder(apiKey, baseURL string, opts Options) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	logger.Info("OpenAI-compatible embedder initialized",
		zap.String("model", opts.Model),
		zap.Int("dimension", opts.Dimension),
	)

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		cb:     newBreaker("embedding:"+opts.Model, opts),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for _, batch := range batches(texts, e.opts.batchSize()) {
		resp, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(batch))
		}

		ordered := make([][]float32, len(batch))
		for _, datum := range resp.Data {
			if datum.Index < 0 || datum.Index >= len(batch) {
				return nil, fmt.Errorf("embedding index %d out of range", datum.Index)
			}
			ordered[datum.Index] = datum.Embedding
		}
		results = append(results, ordered...)
	}

	if err := checkDimension(results, e.opts.Dimension); err != nil {
		return nil, err
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(results)))
	return results, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) (openai.EmbeddingResponse, error) {
	ctx, cancel := e.opts.withTimeout(ctx)
	defer cancel()

	return circuitbreaker.Do(ctx, e.cb, func() (openai.EmbeddingResponse, error) {
		return e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.opts.Model),
			Input: batch,
		})
	})
}
