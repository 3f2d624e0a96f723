package ticket

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/internal/storage/sqlite"
)

type memStore struct {
	tickets   []*models.Ticket
	messages  []*models.ChatMessage
	ticketErr error
	msgErr    error
}

func (m *memStore) InsertTicket(_ context.Context, t *models.Ticket) error {
	if m.ticketErr != nil {
		return m.ticketErr
	}
	m.tickets = append(m.tickets, t)
	return nil
}

func (m *memStore) AppendChatMessage(_ context.Context, msg *models.ChatMessage) error {
	if m.msgErr != nil {
		return m.msgErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

type recordingGraph struct {
	ids []string
	err error
}

func (r *recordingGraph) RecordTicket(_ context.Context, t *models.Ticket) error {
	r.ids = append(r.ids, t.ID)
	return r.err
}

var _ Store = (*sqlite.Client)(nil)

func TestPersistWritesTicketThenHistory(t *testing.T) {
	store := &memStore{}
	graph := &recordingGraph{}
	p := NewPersister(store, graph)

	tk := &models.Ticket{UserID: "u1", Answer: "hello"}
	if err := p.Persist(context.Background(), tk); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if len(tk.ID) != 32 || tk.CreatedAt.IsZero() || tk.KBDocIDs == nil {
		t.Fatalf("ticket not completed: %+v", tk)
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected one history entry, got %d", len(store.messages))
	}
	msg := store.messages[0]
	if msg.Role != "bot" || msg.ContentType != "text" || msg.Content != "hello" || msg.UserID != "u1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.ID == tk.ID {
		t.Fatal("message and ticket ids must be independent")
	}
	if len(graph.ids) != 1 || graph.ids[0] != tk.ID {
		t.Fatalf("graph recorded %v", graph.ids)
	}
}

func TestPersistHistoryFailureKeepsTicket(t *testing.T) {
	store := &memStore{msgErr: errors.New("locked")}
	p := NewPersister(store, &recordingGraph{err: errors.New("graph down")})

	if err := p.Persist(context.Background(), &models.Ticket{UserID: "u1"}); err != nil {
		t.Fatalf("history and graph failures must not fail Persist: %v", err)
	}
	if len(store.tickets) != 1 {
		t.Fatal("ticket should be stored")
	}
}

func TestPersistTicketFailure(t *testing.T) {
	store := &memStore{ticketErr: errors.New("disk full")}
	p := NewPersister(store, nil)

	if err := p.Persist(context.Background(), &models.Ticket{UserID: "u1"}); err == nil {
		t.Fatal("expected error")
	}
	if len(store.messages) != 0 {
		t.Fatal("no history without a ticket")
	}
}

func TestPersistWithSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "support.db"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	p := NewPersister(db, nil)
	if err := p.RecordUserMessage(ctx, "u1", models.ContentImage, "http://x/y.png"); err != nil {
		t.Fatalf("RecordUserMessage: %v", err)
	}
	tk := &models.Ticket{UserID: "u1", ImageURL: "http://x/y.png", Answer: "on its way", KBDocIDs: []string{"d1", "d2"}}
	if err := p.Persist(ctx, tk); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, err := db.GetTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.Answer != "on its way" || len(got.KBDocIDs) != 2 {
		t.Fatalf("unexpected ticket %+v", got)
	}

	history, err := db.ListChatMessages(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListChatMessages: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "bot" {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[1].Meta["ticket_id"] != tk.ID {
		t.Fatalf("meta = %v", history[1].Meta)
	}
}
