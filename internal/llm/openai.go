package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/support-agent/backend/pkg/circuitbreaker"
	"github.com/support-agent/backend/pkg/logger"
)

// OpenAIClient talks to any OpenAI-compatible chat endpoint, including
// DashScope's compatible mode for Qwen and Qwen-VL.
type OpenAIClient struct {
	client *openai.Client
	opts   Options
	cb     *circuitbreaker.CircuitBreaker
}

func NewOpenAIClient(apiKey, baseURL string, opts Options) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	logger.Info("OpenAI-compatible chat client initialized",
		zap.String("model", opts.Model),
		zap.String("base_url", cfg.BaseURL),
	)

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		cb:     newBreaker("openai:"+opts.Model, opts),
	}
}

func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	imageAt := -1
	if req.ImageURL != "" {
		imageAt = lastUserIndex(req.Messages)
		if imageAt < 0 {
			return "", fmt.Errorf("image attached to a request without a user message")
		}
	}

	for i, msg := range req.Messages {
		if i == imageAt {
			messages[i] = openai.ChatCompletionMessage{
				Role: msg.Role,
				MultiContent: []openai.ChatMessagePart{
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: req.ImageURL},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					},
				},
			}
			continue
		}
		messages[i] = openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}

	resp, err := circuitbreaker.Do(ctx, c.cb, func() (openai.ChatCompletionResponse, error) {
		return c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.opts.Model,
			Messages:    messages,
			Temperature: c.opts.temperature(req),
			MaxTokens:   c.opts.maxTokens(req),
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	logger.Debug("LLM completion generated",
		zap.String("model", c.opts.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, nil
}
