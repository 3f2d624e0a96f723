package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"unicode"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/middleware/validation"
	"github.com/support-agent/backend/internal/query"
	"github.com/support-agent/backend/internal/stage"
	"github.com/support-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine     TicketProcessor
	recorder   MessageRecorder
	validation validation.Config
}

func NewWebSocketHandler(engine TicketProcessor, recorder MessageRecorder, cfg validation.Config) *WebSocketHandler {
	return &WebSocketHandler{
		engine:     engine,
		recorder:   recorder,
		validation: cfg,
	}
}

// HandleConnection serves ticket submissions over one socket. Each
// {"type":"ticket", ...} message gets status events as the pipeline moves,
// the answer in word chunks and a final complete event.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			h.sendError(c, "Invalid JSON format", nil)
			continue
		}
		if envelope.Type != "ticket" {
			continue
		}

		req, errs, err := validation.DecodeTicket(data, h.validation)
		if err != nil {
			h.sendError(c, "Invalid JSON format", nil)
			continue
		}
		if len(errs) > 0 {
			h.sendError(c, "Validation failed", errs)
			continue
		}

		if err := h.streamResponse(c, req); err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			break
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, req validation.TicketRequest) error {
	ctx := context.Background()

	recordUserTurn(ctx, h.recorder, req)

	var writeErr error
	resp, err := h.engine.Process(ctx, query.Request{
		UserID:         req.UserID,
		ImageURL:       req.ImageURL,
		InitialMessage: req.InitialMessage,
		TopK:           req.TopK,
		OnState: func(s stage.State) {
			if writeErr == nil {
				writeErr = h.sendChunk(c, "status", string(s))
			}
		},
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil && !errors.Is(err, query.ErrPersistence) {
		h.sendError(c, "Failed to process ticket", nil)
		return nil
	}

	for _, chunk := range splitIntoWords(resp.Answer) {
		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return h.sendComplete(c, resp, err)
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	msg := map[string]interface{}{
		"type":    msgType,
		"content": content,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, resp *query.Response, procErr error) error {
	msg := map[string]interface{}{
		"type":      "complete",
		"ticket_id": resp.TicketID,
		"extracted": resp.Extracted,
		"kb":        resp.KB,
	}
	if procErr != nil {
		msg["error"] = "Failed to process ticket"
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string, details []validation.FieldError) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}
	if len(details) > 0 {
		msg["details"] = details
	}

	if err := c.WriteJSON(msg); err != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}

// splitIntoWords breaks text into words, each carrying the whitespace that
// follows it. Leading whitespace forms its own chunk. Joining the result gives
// back text unchanged.
func splitIntoWords(text string) []string {
	words := []string{}
	start := 0
	inSpace := false

	for i, char := range text {
		space := unicode.IsSpace(char)
		if !space && inSpace && i > start {
			words = append(words, text[start:i])
			start = i
		}
		inSpace = space
	}

	if start < len(text) {
		words = append(words, text[start:])
	}

	return words
}
