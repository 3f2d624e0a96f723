// Package vector defines the knowledge store contract shared by the milvus,
// pgvector and local backends.
package vector

import (
	"context"

	"github.com/support-agent/backend/internal/models"
)

// Store keeps embedded knowledge documents. Upsert is idempotent by document
// ID and expects every document to carry its embedding. Query returns at most
// topK matches ordered by descending relevance.
type Store interface {
	Upsert(ctx context.Context, docs []models.KnowledgeDoc) error
	Query(ctx context.Context, embedding []float32, topK int) ([]models.RetrievalMatch, error)
}
