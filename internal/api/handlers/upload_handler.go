package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/middleware/validation"
	"github.com/support-agent/backend/internal/objectstore"
	"github.com/support-agent/backend/pkg/logger"
)

const defaultUploadContentType = "image/png"

type Presigner interface {
	PresignPut(ctx context.Context, contentType, prefix string) (*objectstore.Upload, error)
}

type UploadHandler struct {
	presigner Presigner
}

func NewUploadHandler(presigner Presigner) *UploadHandler {
	return &UploadHandler{
		presigner: presigner,
	}
}

// PresignUpload hands out a short-lived PUT URL for a customer screenshot.
func (h *UploadHandler) PresignUpload(c *fiber.Ctx) error {
	var req struct {
		ContentType string `json:"content_type"`
		Prefix      string `json:"prefix"`
	}

	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	if req.ContentType == "" {
		req.ContentType = defaultUploadContentType
	}
	if !validation.IsValidContentType(req.ContentType) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "content_type must be a MIME type",
		})
	}
	if strings.Contains(req.Prefix, "..") {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "prefix must not contain '..'",
		})
	}

	upload, err := h.presigner.PresignPut(c.UserContext(), req.ContentType, req.Prefix)
	if err != nil {
		logger.Error("Failed to presign upload", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to presign upload",
		})
	}

	return c.JSON(upload)
}
