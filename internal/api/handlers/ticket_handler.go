package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/middleware/validation"
	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/internal/query"
	"github.com/support-agent/backend/internal/storage/sqlite"
	"github.com/support-agent/backend/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type TicketProcessor interface {
	Process(ctx context.Context, req query.Request) (*query.Response, error)
}

type TicketReader interface {
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	ListTickets(ctx context.Context, userID string, limit int) ([]models.Ticket, error)
	ListChatMessages(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error)
}

type MessageRecorder interface {
	RecordUserMessage(ctx context.Context, userID, contentType, content string) error
}

type TicketHandler struct {
	engine   TicketProcessor
	reader   TicketReader
	recorder MessageRecorder
}

// NewTicketHandler builds a TicketHandler. recorder may be nil.
func NewTicketHandler(engine TicketProcessor, reader TicketReader, recorder MessageRecorder) *TicketHandler {
	return &TicketHandler{
		engine:   engine,
		reader:   reader,
		recorder: recorder,
	}
}

// SubmitTicket expects validation.Ticket to have run first.
func (h *TicketHandler) SubmitTicket(c *fiber.Ctx) error {
	req, ok := c.Locals(validation.TicketRequestKey).(validation.TicketRequest)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx := c.UserContext()
	recordUserTurn(ctx, h.recorder, req)

	resp, err := h.engine.Process(ctx, query.Request{
		UserID:         req.UserID,
		ImageURL:       req.ImageURL,
		InitialMessage: req.InitialMessage,
		TopK:           req.TopK,
	})
	if err != nil {
		logger.Error("Failed to process ticket", zap.String("user_id", req.UserID), zap.Error(err))
		body := fiber.Map{"error": "Failed to process ticket"}
		if errors.Is(err, query.ErrPersistence) && resp != nil {
			body["extracted"] = resp.Extracted
			body["kb"] = resp.KB
			body["answer"] = resp.Answer
		}
		return c.Status(fiber.StatusInternalServerError).JSON(body)
	}

	return c.JSON(resp)
}

// recordUserTurn stores the image and, when present, the opening message of a
// ticket as chat history. Failures are logged and never fail the request.
func recordUserTurn(ctx context.Context, recorder MessageRecorder, req validation.TicketRequest) {
	if recorder == nil {
		return
	}
	if err := recorder.RecordUserMessage(ctx, req.UserID, models.ContentImage, req.ImageURL); err != nil {
		logger.Warn("Failed to record user image", zap.String("user_id", req.UserID), zap.Error(err))
		return
	}
	if req.InitialMessage == "" {
		return
	}
	if err := recorder.RecordUserMessage(ctx, req.UserID, models.ContentText, req.InitialMessage); err != nil {
		logger.Warn("Failed to record user message", zap.String("user_id", req.UserID), zap.Error(err))
	}
}

func (h *TicketHandler) GetTicket(c *fiber.Ctx) error {
	ticket, err := h.reader.GetTicket(c.UserContext(), c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Ticket not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get ticket", zap.String("ticket_id", c.Params("id")), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get ticket",
		})
	}

	return c.JSON(ticket)
}

func (h *TicketHandler) ListTickets(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	tickets, err := h.reader.ListTickets(c.UserContext(), userID, listLimit(c))
	if err != nil {
		logger.Error("Failed to list tickets", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list tickets",
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"tickets": tickets,
	})
}

func (h *TicketHandler) ListMessages(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	messages, err := h.reader.ListChatMessages(c.UserContext(), userID, listLimit(c))
	if err != nil {
		logger.Error("Failed to list messages", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list messages",
		})
	}

	return c.JSON(fiber.Map{
		"user_id":  userID,
		"messages": messages,
	})
}

func listLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
