package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/support-agent/backend/pkg/logger"
)

type TextExtractor interface {
	ExtractText(ctx context.Context, text string) (map[string]any, error)
}

type ExtractHandler struct {
	extractor TextExtractor
}

func NewExtractHandler(extractor TextExtractor) *ExtractHandler {
	return &ExtractHandler{
		extractor: extractor,
	}
}

// ExtractText returns whatever object the text model produced for the
// message, or {"raw_text": ...} when it produced none.
func (h *ExtractHandler) ExtractText(c *fiber.Ctx) error {
	var req struct {
		Text string `json:"text"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	fields, err := h.extractor.ExtractText(c.UserContext(), req.Text)
	if err != nil {
		logger.Error("Failed to extract text fields", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Extraction failed",
		})
	}

	return c.JSON(fields)
}
