// Package answer produces the evidence-grounded reply sent back to the
// customer.
package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/llm"
	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/internal/stage"
	"github.com/support-agent/backend/pkg/logger"
)

// NoEvidence stands in for the evidence section when retrieval found nothing.
const NoEvidence = "(no docs)"

var ErrEmptyAnswer = errors.New("model returned an empty answer")

type Request struct {
	Message   string
	Extracted models.ExtractedFields
	Evidence  []models.RetrievalMatch
}

type Config struct {
	SystemInstruction string
	FallbackAnswer    string
	Temperature       float32
	MaxTokens         int
}

type Generator struct {
	model llm.ChatModel
	cfg   Config
}

func NewGenerator(model llm.ChatModel, cfg Config) *Generator {
	return &Generator{model: model, cfg: cfg}
}

// Generate always yields an answer. Model errors, timeouts and blank replies
// produce the configured fallback, marked as degraded.
func (g *Generator) Generate(ctx context.Context, req Request) stage.Outcome[string] {
	resp, err := g.model.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: g.cfg.SystemInstruction},
			{Role: llm.RoleUser, Content: BuildUserTurn(req)},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		logger.Warn("Answer generation failed, using fallback", zap.Error(err))
		return stage.Degrade(g.cfg.FallbackAnswer, fmt.Errorf("generate answer: %w", err))
	}

	resp = strings.TrimSpace(resp)
	if resp == "" {
		logger.Warn("Answer generation returned nothing, using fallback")
		return stage.Degrade(g.cfg.FallbackAnswer, ErrEmptyAnswer)
	}
	return stage.Ok(resp)
}

// FormatEvidence renders matches as numbered "[Doc i] title" blocks separated
// by blank lines.
func FormatEvidence(evidence []models.RetrievalMatch) string {
	if len(evidence) == 0 {
		return NoEvidence
	}
	blocks := make([]string, len(evidence))
	for i, m := range evidence {
		blocks[i] = fmt.Sprintf("[Doc %d] %s\n%s", i+1, m.Title, m.Snippet)
	}
	return strings.Join(blocks, "\n\n")
}

// BuildUserTurn combines the customer message, extracted fields and evidence
// into the single user message the chat model sees.
func BuildUserTurn(req Request) string {
	msg := req.Message
	if strings.TrimSpace(msg) == "" {
		msg = "(none)"
	}

	fields, err := json.Marshal(req.Extracted)
	if err != nil {
		fields = []byte("{}")
	}

	var sb strings.Builder
	sb.WriteString("USER_MESSAGE:\n")
	sb.WriteString(msg)
	sb.WriteString("\n\nEXTRACTED_FIELDS:\n")
	sb.Write(fields)
	sb.WriteString("\n\nEVIDENCE:\n")
	sb.WriteString(FormatEvidence(req.Evidence))
	return sb.String()
}
