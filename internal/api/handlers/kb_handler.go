package handlers

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/ingestion"
	"github.com/support-agent/backend/internal/kg/neo4j"
	"github.com/support-agent/backend/pkg/logger"
)

type Ingester interface {
	Ingest(ctx context.Context, format string, rows []ingestion.Row) (int, error)
}

type CitationSource interface {
	TopCited(ctx context.Context, limit int) ([]neo4j.Citation, error)
}

type KBHandler struct {
	ingester  Ingester
	citations CitationSource
}

// NewKBHandler builds a KBHandler. citations may be nil.
func NewKBHandler(ingester Ingester, citations CitationSource) *KBHandler {
	return &KBHandler{
		ingester:  ingester,
		citations: citations,
	}
}

// UploadFiles ingests every .csv, .json and .xlsx part of the multipart
// "files" field. Other files are skipped and reported back.
func (h *KBHandler) UploadFiles(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid multipart form",
		})
	}

	files := append(form.File["files"], form.File["files[]"]...)
	if len(files) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No files uploaded",
		})
	}

	var rows []ingestion.Row
	skipped := []string{}
	format := ""
	for _, fh := range files {
		f, err := ingestion.DetectFormat(fh.Filename)
		if err != nil {
			logger.Warn("Skipping unsupported upload", zap.String("filename", fh.Filename))
			skipped = append(skipped, fh.Filename)
			continue
		}

		parsed, err := parseUpload(fh, f)
		if err != nil {
			logger.Warn("Skipping unreadable upload", zap.String("filename", fh.Filename), zap.Error(err))
			skipped = append(skipped, fh.Filename)
			continue
		}

		rows = append(rows, parsed...)
		switch format {
		case "", f:
			format = f
		default:
			format = "mixed"
		}
	}

	return h.ingest(c, format, rows, skipped)
}

// UploadDocuments ingests a JSON body of records or columns.
func (h *KBHandler) UploadDocuments(c *fiber.Ctx) error {
	rows, err := ingestion.ParseRows(ingestion.FormatJSON, bytes.NewReader(c.Body()))
	if err != nil {
		logger.Error("Failed to parse documents", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	return h.ingest(c, ingestion.FormatJSON, rows, nil)
}

func (h *KBHandler) ingest(c *fiber.Ctx, format string, rows []ingestion.Row, skipped []string) error {
	count, err := h.ingester.Ingest(c.UserContext(), format, rows)
	if errors.Is(err, ingestion.ErrNoValidText) {
		body := fiber.Map{"ok": false, "count": 0, "message": "No valid text found"}
		if skipped != nil {
			body["skipped"] = skipped
		}
		return c.JSON(body)
	}
	if err != nil {
		logger.Error("Failed to ingest documents", zap.String("format", format), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"ok":    false,
			"error": "Failed to ingest documents",
		})
	}

	body := fiber.Map{"ok": true, "count": count}
	if skipped != nil {
		body["skipped"] = skipped
	}
	return c.JSON(body)
}

func (h *KBHandler) TopCitations(c *fiber.Ctx) error {
	if h.citations == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Citation graph is disabled",
		})
	}

	citations, err := h.citations.TopCited(c.UserContext(), listLimit(c))
	if err != nil {
		logger.Error("Failed to query citations", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Citation graph unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"citations": citations,
	})
}

func parseUpload(fh *multipart.FileHeader, format string) ([]ingestion.Row, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ingestion.ParseRows(format, f)
}
