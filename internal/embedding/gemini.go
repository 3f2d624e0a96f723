package embedding

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/support-agent/backend/pkg/circuitbreaker"
	"github.com/support-agent/backend/pkg/logger"
)

type GeminiEmbedder struct {
	client *genai.Client
	model  *genai.EmbeddingModel
	opts   Options
	cb     *circuitbreaker.CircuitBreaker
}

func NewGeminiEmbedder(ctx context.Context, apiKey string, opts Options) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info("Gemini embedder initialized", zap.String("model", opts.Model))

	return &GeminiEmbedder{
		client: client,
		model:  client.EmbeddingModel(opts.Model),
		opts:   opts,
		cb:     newBreaker("embedding:"+opts.Model, opts),
	}, nil
}

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for _, batch := range batches(texts, e.opts.batchSize()) {
		resp, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(resp.Embeddings) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Embeddings), len(batch))
		}
		for _, emb := range resp.Embeddings {
			results = append(results, emb.Values)
		}
	}

	if err := checkDimension(results, e.opts.Dimension); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *GeminiEmbedder) embedBatch(ctx context.Context, batch []string) (*genai.BatchEmbedContentsResponse, error) {
	ctx, cancel := e.opts.withTimeout(ctx)
	defer cancel()

	b := e.model.NewBatch()
	for _, t := range batch {
		b.AddContent(genai.Text(t))
	}
	return circuitbreaker.Do(ctx, e.cb, func() (*genai.BatchEmbedContentsResponse, error) {
		return e.model.BatchEmbedContents(ctx, b)
	})
}

func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}
