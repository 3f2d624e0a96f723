// Package ticket stores pipeline results as tickets and keeps the per-user
// chat transcript.
package ticket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/pkg/logger"
	"github.com/support-agent/backend/pkg/utils"
)

type Store interface {
	InsertTicket(ctx context.Context, t *models.Ticket) error
	AppendChatMessage(ctx context.Context, m *models.ChatMessage) error
}

// GraphRecorder mirrors tickets into a citation graph.
type GraphRecorder interface {
	RecordTicket(ctx context.Context, t *models.Ticket) error
}

type Persister struct {
	store Store
	graph GraphRecorder
	now   func() time.Time
}

// NewPersister builds a Persister. graph may be nil.
func NewPersister(store Store, graph GraphRecorder) *Persister {
	return &Persister{store: store, graph: graph, now: time.Now}
}

// Persist writes the ticket, then appends the answer to the user's
// transcript. Only the ticket write can fail the call; the history entry
// and the graph mirror are best effort and never undo the ticket.
func (p *Persister) Persist(ctx context.Context, t *models.Ticket) error {
	if t.ID == "" {
		t.ID = utils.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = p.now()
	}
	if t.KBDocIDs == nil {
		t.KBDocIDs = []string{}
	}

	if err := p.store.InsertTicket(ctx, t); err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}

	msg := &models.ChatMessage{
		ID:          utils.NewID(),
		UserID:      t.UserID,
		Role:        models.RoleBot,
		ContentType: models.ContentText,
		Content:     t.Answer,
		Meta:        map[string]interface{}{"ticket_id": t.ID},
		CreatedAt:   p.now(),
	}
	if err := p.store.AppendChatMessage(ctx, msg); err != nil {
		logger.Warn("Failed to append chat history",
			zap.String("ticket_id", t.ID),
			zap.String("user_id", t.UserID),
			zap.Error(err),
		)
	}

	if p.graph != nil {
		if err := p.graph.RecordTicket(ctx, t); err != nil {
			logger.Warn("Failed to record ticket citations", zap.String("ticket_id", t.ID), zap.Error(err))
		}
	}

	return nil
}

// RecordUserMessage appends a customer turn to the transcript.
func (p *Persister) RecordUserMessage(ctx context.Context, userID, contentType, content string) error {
	return p.store.AppendChatMessage(ctx, &models.ChatMessage{
		ID:          utils.NewID(),
		UserID:      userID,
		Role:        models.RoleUser,
		ContentType: contentType,
		Content:     content,
		CreatedAt:   p.now(),
	})
}
