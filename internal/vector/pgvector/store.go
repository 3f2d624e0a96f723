package pgvector

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/pkg/logger"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

func NewStore(ctx context.Context, dsn, table string, dimension int) (*Store, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger.Info("pgvector store initialized", zap.String("table", table), zap.Int("dimension", dimension))

	return &Store{pool: pool, table: table, dimension: dimension}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, s.dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize pgvector schema: %w", err)
		}
	}

	logger.Info("pgvector schema initialized", zap.String("table", s.table))
	return nil
}

func (s *Store) Upsert(ctx context.Context, docs []models.KnowledgeDoc) error {
	if len(docs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, title, url, text, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			updated_at = now()
	`, s.table)

	batch := &pgx.Batch{}
	for _, doc := range docs {
		if err := doc.Validate(); err != nil {
			return err
		}
		if len(doc.Embedding) != s.dimension {
			return fmt.Errorf("document %s: embedding dimension %d, table expects %d", doc.ID, len(doc.Embedding), s.dimension)
		}
		batch.Queue(query, doc.ID, doc.Title, doc.URL, doc.Text, pgvector.NewVector(doc.Embedding))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}

	logger.Info("Documents upserted into pgvector", zap.Int("count", len(docs)))
	return nil
}

func (s *Store) Query(ctx context.Context, embedding []float32, topK int) ([]models.RetrievalMatch, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, title, url, text, 1 - (embedding <=> $1::vector) AS score
		FROM %s
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, s.table), pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar documents: %w", err)
	}
	defer rows.Close()

	results := make([]models.RetrievalMatch, 0, topK)
	for rows.Next() {
		var id, title, url, text string
		var score float64
		if err := rows.Scan(&id, &title, &url, &text, &score); err != nil {
			return nil, fmt.Errorf("failed to scan similar document: %w", err)
		}
		results = append(results, models.NewRetrievalMatch(id, title, url, text, score))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate similar documents: %w", err)
	}

	return results, nil
}
