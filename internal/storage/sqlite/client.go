package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kb_items (
		id TEXT PRIMARY KEY,
		title TEXT,
		url TEXT,
		text TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		image_url TEXT,
		extracted TEXT NOT NULL,
		answer TEXT,
		kb_doc_ids TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content_type TEXT NOT NULL,
		content TEXT,
		meta TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_user ON chat_messages(user_id, created_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// MergeDocuments inserts or replaces knowledge items in one transaction.
func (c *Client) MergeDocuments(ctx context.Context, items []models.KBItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kb_items (id, title, url, text, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			text = excluded.text,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare merge: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, item := range items {
		updated := item.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx, item.ID, item.Title, item.URL, item.Text, updated.UnixMilli()); err != nil {
			return fmt.Errorf("failed to merge document %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit documents: %w", err)
	}

	logger.Debug("Knowledge items merged", zap.Int("count", len(items)))
	return nil
}

func (c *Client) GetKBItem(ctx context.Context, id string) (*models.KBItem, error) {
	var item models.KBItem
	var title, url sql.NullString
	var updatedAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT id, title, url, text, updated_at FROM kb_items WHERE id = ?`, id,
	).Scan(&item.ID, &title, &url, &item.Text, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge item: %w", err)
	}

	item.Title = title.String
	item.URL = url.String
	item.UpdatedAt = time.UnixMilli(updatedAt)
	return &item, nil
}

func (c *Client) CountKBItems(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count knowledge items: %w", err)
	}
	return n, nil
}

func (c *Client) InsertTicket(ctx context.Context, t *models.Ticket) error {
	extracted, err := json.Marshal(t.Extracted)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted fields: %w", err)
	}

	docIDs := t.KBDocIDs
	if docIDs == nil {
		docIDs = []string{}
	}
	ids, err := json.Marshal(docIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal kb doc ids: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO tickets (id, user_id, image_url, extracted, answer, kb_doc_ids, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.ImageURL, string(extracted), t.Answer, string(ids), t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}

	logger.Debug("Ticket inserted", zap.String("ticket_id", t.ID), zap.String("user_id", t.UserID))
	return nil
}

const ticketColumns = `id, user_id, image_url, extracted, answer, kb_doc_ids, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var t models.Ticket
	var imageURL, answer sql.NullString
	var extracted, ids string
	var createdAt int64

	if err := row.Scan(&t.ID, &t.UserID, &imageURL, &extracted, &answer, &ids, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(extracted), &t.Extracted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extracted fields: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &t.KBDocIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kb doc ids: %w", err)
	}

	t.ImageURL = imageURL.String
	t.Answer = answer.String
	t.CreatedAt = time.UnixMilli(createdAt)
	return &t, nil
}

func (c *Client) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// ListTickets returns a user's tickets, newest first.
func (c *Client) ListTickets(ctx context.Context, userID string, limit int) ([]models.Ticket, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	tickets := make([]models.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

func (c *Client) AppendChatMessage(ctx context.Context, m *models.ChatMessage) error {
	var meta sql.NullString
	if len(m.Meta) > 0 {
		data, err := json.Marshal(m.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal message meta: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, user_id, role, content_type, content, meta, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Role, m.ContentType, m.Content, meta, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns the most recent messages of a user's transcript
// in chronological order.
func (c *Client) ListChatMessages(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, role, content_type, content, meta, created_at FROM (
			SELECT rowid AS seq, * FROM chat_messages WHERE user_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		var content, meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.ContentType, &content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		m.Content = content.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message meta: %w", err)
			}
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
