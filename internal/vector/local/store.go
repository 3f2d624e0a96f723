// Package local is an embedded knowledge store on bbolt. Queries scan every
// document, so it suits development and small knowledge bases.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/pkg/logger"
)

var bucketDocs = []byte("kb_docs")

type record struct {
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

type Store struct {
	db *bbolt.DB
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	logger.Info("Local vector store opened", zap.String("path", path))
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Upsert(ctx context.Context, docs []models.KnowledgeDoc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		for _, doc := range docs {
			if err := doc.Validate(); err != nil {
				return err
			}
			if len(doc.Embedding) == 0 {
				return fmt.Errorf("document %s has no embedding", doc.ID)
			}
			data, err := json.Marshal(record{
				Title:     doc.Title,
				URL:       doc.URL,
				Text:      doc.Text,
				Embedding: doc.Embedding,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal document %s: %w", doc.ID, err)
			}
			if err := b.Put([]byte(doc.ID), data); err != nil {
				return fmt.Errorf("failed to store document %s: %w", doc.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) Query(ctx context.Context, embedding []float32, topK int) ([]models.RetrievalMatch, error) {
	if topK <= 0 {
		return []models.RetrievalMatch{}, nil
	}

	results := make([]models.RetrievalMatch, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode document %s: %w", k, err)
			}
			score, ok := cosine(embedding, rec.Embedding)
			if !ok {
				return nil
			}
			results = append(results, models.NewRetrievalMatch(string(k), rec.Title, rec.URL, rec.Text, score))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count returns the number of stored documents.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketDocs).Stats().KeyN
		return nil
	})
	return n, err
}

// cosine returns the cosine similarity of a and b; ok is false when the
// vectors are incomparable.
func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
