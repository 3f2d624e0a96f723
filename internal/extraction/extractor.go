// Package extraction turns a screenshot or a customer message into
// ExtractedFields using a vision or text model.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/llm"
	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/internal/stage"
	"github.com/support-agent/backend/pkg/logger"
)

var (
	ErrNoInput    = errors.New("no image or text to extract from")
	ErrUnparsable = errors.New("model output contained no usable fields")
)

const (
	visionSystemPrompt = "Extract fields from images and ALWAYS return strict JSON only."
	visionUserPrompt   = "Extract keys: order_id, tracking_no, product_name, price, issue_type, confidence. " +
		"Return strict JSON only. Use null for missing. If confidence < 0.7 add low_confidence: true."
	textSystemPrompt = "You read customer support messages and pull out order details. " +
		"Reply with a JSON object. Include order_id, tracking_no, product_name, price, issue_type and confidence " +
		"when you can find them, and add any other useful details as extra keys."
)

// Input is either an image reference or raw text. ImageURL wins when both
// are set.
type Input struct {
	ImageURL string
	Text     string
}

type Config struct {
	VisionTemperature float32
	TextTemperature   float32
	MaxTokens         int
}

type Extractor struct {
	vision llm.ChatModel
	text   llm.ChatModel
	cfg    Config
}

func NewExtractor(vision, text llm.ChatModel, cfg Config) *Extractor {
	return &Extractor{vision: vision, text: text, cfg: cfg}
}

// Extract never fails outright. A model or parse failure yields an empty
// field set marked as degraded.
func (e *Extractor) Extract(ctx context.Context, in Input) stage.Outcome[models.ExtractedFields] {
	var empty models.ExtractedFields

	var obj map[string]any
	switch {
	case in.ImageURL != "":
		raw, err := e.vision.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: visionSystemPrompt},
				{Role: llm.RoleUser, Content: visionUserPrompt},
			},
			ImageURL:    in.ImageURL,
			Temperature: e.cfg.VisionTemperature,
			MaxTokens:   e.cfg.MaxTokens,
		})
		if err != nil {
			logger.Warn("Vision extraction failed", zap.Error(err))
			return stage.Degrade(empty, fmt.Errorf("vision extraction: %w", err))
		}
		obj = ParseObject(raw)
	case strings.TrimSpace(in.Text) != "":
		var err error
		obj, err = e.ExtractText(ctx, in.Text)
		if err != nil {
			logger.Warn("Text extraction failed", zap.Error(err))
			return stage.Degrade(empty, fmt.Errorf("text extraction: %w", err))
		}
	default:
		return stage.Degrade(empty, ErrNoInput)
	}

	fields := FieldsFromMap(obj)
	if fields.IsEmpty() {
		return stage.Degrade(empty, ErrUnparsable)
	}

	logger.Debug("Fields extracted",
		zap.Bool("has_order_id", fields.OrderID != nil),
		zap.Bool("has_tracking_no", fields.TrackingNo != nil),
	)
	return stage.Ok(fields)
}

// ExtractText runs the looser text-only extraction and returns whatever
// object the model produced. Output that holds no JSON object comes back as
// {"raw_text": ...}. Empty input returns an empty map without a model call.
func (e *Extractor) ExtractText(ctx context.Context, text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return map[string]any{}, nil
	}

	raw, err := e.text.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: textSystemPrompt},
			{Role: llm.RoleUser, Content: text},
		},
		Temperature: e.cfg.TextTemperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	obj := ParseObject(raw)
	if len(obj) == 0 {
		return map[string]any{"raw_text": raw}, nil
	}
	return obj, nil
}
