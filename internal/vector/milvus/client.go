package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/pkg/logger"
)

const (
	fieldID        = "id"
	fieldEmbedding = "embedding"
	fieldTitle     = "title"
	fieldURL       = "url"
	fieldText      = "text"

	// Only the snippet is kept in milvus; the full text lives in sqlite.
	maxTextBytes = 4 * models.SnippetLength
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) CreateCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return m.client.LoadCollection(ctx, m.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Support knowledge base embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": fmt.Sprintf("%d", models.MaxDocIDBytes),
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     fieldTitle,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": fmt.Sprintf("%d", models.MaxTitleBytes),
				},
			},
			{
				Name:     fieldURL,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": fmt.Sprintf("%d", models.MaxURLBytes),
				},
			},
			{
				Name:     fieldText,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": fmt.Sprintf("%d", maxTextBytes),
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

func (m *Client) Upsert(ctx context.Context, docs []models.KnowledgeDoc) error {
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, len(docs))
	embeddings := make([][]float32, len(docs))
	titles := make([]string, len(docs))
	urls := make([]string, len(docs))
	texts := make([]string, len(docs))

	for i, doc := range docs {
		if err := doc.Validate(); err != nil {
			return err
		}
		if len(doc.Embedding) != m.vectorDim {
			return fmt.Errorf("document %s: embedding dimension %d, collection expects %d", doc.ID, len(doc.Embedding), m.vectorDim)
		}
		ids[i] = doc.ID
		embeddings[i] = doc.Embedding
		titles[i] = doc.Title
		urls[i] = doc.URL
		texts[i] = models.TruncateBytes(models.Snippet(doc.Text), maxTextBytes)
	}

	_, err := m.client.Upsert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, m.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldTitle, titles),
		entity.NewColumnVarChar(fieldURL, urls),
		entity.NewColumnVarChar(fieldText, texts),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Documents upserted into vector DB", zap.Int("count", len(docs)))
	return nil
}

func (m *Client) Query(ctx context.Context, queryEmbedding []float32, topK int) ([]models.RetrievalMatch, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		"",
		[]string{fieldID, fieldTitle, fieldURL, fieldText},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		fieldEmbedding,
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]models.RetrievalMatch, 0, topK)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn(fieldID)
		titleCol := sr.Fields.GetColumn(fieldTitle)
		urlCol := sr.Fields.GetColumn(fieldURL)
		textCol := sr.Fields.GetColumn(fieldText)
		if idCol == nil || titleCol == nil || urlCol == nil || textCol == nil {
			return nil, fmt.Errorf("search result is missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			id := stringAt(idCol, i)
			title := stringAt(titleCol, i)
			url := stringAt(urlCol, i)
			text := stringAt(textCol, i)

			results = append(results, models.NewRetrievalMatch(id, title, url, text, float64(sr.Scores[i])))
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

func stringAt(col entity.Column, i int) string {
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
