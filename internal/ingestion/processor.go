// Package ingestion loads knowledge-base uploads into the vector store and
// mirrors them into the relational store.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/embedding"
	"github.com/support-agent/backend/internal/metrics"
	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/internal/vector"
	"github.com/support-agent/backend/pkg/logger"
	"github.com/support-agent/backend/pkg/retry"
	"github.com/support-agent/backend/pkg/utils"
)

var ErrNoValidText = errors.New("no valid text found")

var (
	htmlTag    = regexp.MustCompile(`(?i)<(html|body|div|p|br|span|h[1-6]|ul|ol|li|table|a|script|style)\b[^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

type MetadataStore interface {
	MergeDocuments(ctx context.Context, items []models.KBItem) error
}

type Processor struct {
	embedder    embedding.Embedder
	store       vector.Store
	meta        MetadataStore
	retryConfig retry.Config
}

func NewProcessor(embedder embedding.Embedder, store vector.Store, meta MetadataStore) *Processor {
	return &Processor{
		embedder: embedder,
		store:    store,
		meta:     meta,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

// Ingest indexes every row that has text and reports how many documents were
// stored. Rows sharing an ID collapse to the last one. When nothing is left
// to index it returns ErrNoValidText.
func (p *Processor) Ingest(ctx context.Context, format string, rows []Row) (int, error) {
	docs := Normalize(rows)
	if len(docs) == 0 {
		return 0, ErrNoValidText
	}

	logger.Info("Ingesting knowledge documents", zap.String("format", format), zap.Int("documents", len(docs)))

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	vectors, err := retry.DoWithResult(ctx, p.retryConfig, func() ([][]float32, error) {
		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, retry.Permanent(fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(texts)))
		}
		return vectors, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	for i := range docs {
		docs[i].Embedding = vectors[i]
	}

	err = retry.Do(ctx, p.retryConfig, func() error {
		err := p.store.Upsert(ctx, docs)
		if errors.Is(err, models.ErrInvalidDocument) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert into vector store: %w", err)
	}

	now := time.Now()
	items := make([]models.KBItem, len(docs))
	for i, d := range docs {
		items[i] = models.KBItem{ID: d.ID, Title: d.Title, URL: d.URL, Text: d.Text, UpdatedAt: now}
	}
	err = retry.Do(ctx, p.retryConfig, func() error {
		return p.meta.MergeDocuments(ctx, items)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to merge documents: %w", err)
	}

	metrics.DocumentsIngested.WithLabelValues(format).Add(float64(len(docs)))
	logger.Info("Knowledge documents ingested", zap.String("format", format), zap.Int("count", len(docs)))

	return len(docs), nil
}

// Normalize drops rows without text, cleans HTML bodies, assigns missing IDs
// and keeps only the last row for each ID. Rows that no knowledge store could
// hold, such as an over-long id or url, are skipped with a warning.
func Normalize(rows []Row) []models.KnowledgeDoc {
	docs := make([]models.KnowledgeDoc, 0, len(rows))
	index := map[string]int{}

	for _, row := range rows {
		text := row.Text
		title := row.Title
		if looksLikeHTML(text) {
			var htmlTitle string
			text, htmlTitle = cleanHTML(text)
			if title == "" {
				title = htmlTitle
			}
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		id := row.ID
		if id == "" {
			id = utils.NewID()
		}

		if len(title) > models.MaxTitleBytes {
			logger.Warn("Shortening over-long document title", zap.String("id", id), zap.Int("bytes", len(title)))
			title = models.TruncateBytes(title, models.MaxTitleBytes)
		}

		doc := models.KnowledgeDoc{ID: id, Title: title, URL: row.URL, Text: text}
		if err := doc.Validate(); err != nil {
			logger.Warn("Skipping knowledge row", zap.String("id", models.TruncateBytes(id, 64)), zap.Error(err))
			continue
		}
		if i, ok := index[id]; ok {
			docs[i] = doc
			continue
		}
		index[id] = len(docs)
		docs = append(docs, doc)
	}
	return docs
}

func looksLikeHTML(s string) bool {
	return htmlTag.MatchString(s)
}

// cleanHTML returns the visible text of an HTML fragment and its title.
func cleanHTML(html string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html, ""
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, nav, footer, header, aside, title").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text), title
}
