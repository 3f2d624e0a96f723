package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/support-agent/backend/pkg/circuitbreaker"
	"github.com/support-agent/backend/pkg/logger"
)

// GeminiClient is a ChatModel backed by Google's Gemini API.
type GeminiClient struct {
	client     *genai.Client
	opts       Options
	cb         *circuitbreaker.CircuitBreaker
	images     *imageFetcher
}

func NewGeminiClient(ctx context.Context, apiKey string, opts Options) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info("Gemini chat client initialized", zap.String("model", opts.Model))

	return &GeminiClient{
		client:     client,
		opts:       opts,
		cb:         newBreaker("gemini:"+opts.Model, opts),
		images:     newImageFetcher(opts.TrustedImageHosts),
	}, nil
}

func (g *GeminiClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	ctx, cancel := g.opts.withTimeout(ctx)
	defer cancel()

	model := g.client.GenerativeModel(g.opts.Model)
	model.SetTemperature(g.opts.temperature(req))
	if n := g.opts.maxTokens(req); n > 0 {
		model.SetMaxOutputTokens(int32(n))
	}

	var system []string
	var turns []Message
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		turns = append(turns, msg)
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n"))},
		}
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != RoleUser {
		return "", fmt.Errorf("gemini request must end with a user message")
	}

	last := turns[len(turns)-1]
	var parts []genai.Part
	if req.ImageURL != "" {
		blob, err := g.images.fetch(ctx, req.ImageURL)
		if err != nil {
			return "", err
		}
		parts = append(parts, blob)
	}
	parts = append(parts, genai.Text(last.Content))

	session := model.StartChat()
	for _, msg := range turns[:len(turns)-1] {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}

	resp, err := circuitbreaker.Do(ctx, g.cb, func() (*genai.GenerateContentResponse, error) {
		return session.SendMessage(ctx, parts...)
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := candidateText(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (g *GeminiClient) Close() error {
	return g.client.Close()
}

// candidateText joins the text parts of the first candidate.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}
