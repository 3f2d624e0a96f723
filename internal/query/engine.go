// Package query runs the support pipeline: extraction, retrieval, answer
// generation and ticket persistence for one inbound request.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/answer"
	"github.com/support-agent/backend/internal/embedding"
	"github.com/support-agent/backend/internal/extraction"
	"github.com/support-agent/backend/internal/metrics"
	"github.com/support-agent/backend/internal/models"
	"github.com/support-agent/backend/internal/stage"
	"github.com/support-agent/backend/internal/vector"
	"github.com/support-agent/backend/pkg/logger"
)

// ErrPersistence is returned when the ticket could not be stored and the
// engine is configured to treat that as fatal.
var ErrPersistence = errors.New("failed to persist ticket")

type FieldExtractor interface {
	Extract(ctx context.Context, in extraction.Input) stage.Outcome[models.ExtractedFields]
}

type AnswerGenerator interface {
	Generate(ctx context.Context, req answer.Request) stage.Outcome[string]
}

// TicketPersister stores a ticket, filling in its ID and CreatedAt.
type TicketPersister interface {
	Persist(ctx context.Context, t *models.Ticket) error
}

type Config struct {
	DefaultTopK         int
	MaxTopK             int
	PersistFailureFatal bool
	GreetingFallback    string
	RetrievalTimeout    time.Duration
}

type Engine struct {
	extractor FieldExtractor
	embedder  embedding.Embedder
	store     vector.Store
	generator AnswerGenerator
	persister TicketPersister
	cfg       Config
}

type Request struct {
	UserID         string
	ImageURL       string
	InitialMessage string
	TopK           int
	// OnState, when set, is called as the request enters each state.
	OnState func(s stage.State)
}

type Response struct {
	Extracted models.ExtractedFields  `json:"extracted"`
	KB        []models.RetrievalMatch `json:"kb"`
	Answer    string                  `json:"answer"`
	TicketID  string                  `json:"ticket_id,omitempty"`

	States   []stage.State     `json:"-"`
	Degraded map[string]string `json:"-"`
}

func NewEngine(extractor FieldExtractor, embedder embedding.Embedder, store vector.Store, generator AnswerGenerator, persister TicketPersister, cfg Config) *Engine {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 4
	}
	return &Engine{
		extractor: extractor,
		embedder:  embedder,
		store:     store,
		generator: generator,
		persister: persister,
		cfg:       cfg,
	}
}

// FallbackResponse is the contract returned when a request cannot be served:
// no fields, no evidence and the greeting fallback as answer.
func (e *Engine) FallbackResponse() *Response {
	return &Response{
		KB:     []models.RetrievalMatch{},
		Answer: e.cfg.GreetingFallback,
	}
}

// Process runs every stage in order. Only persistence can fail the request,
// and only when PersistFailureFatal is set; in that case the returned
// response is FallbackResponse and the error wraps ErrPersistence.
func (e *Engine) Process(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()
	resp := &Response{Degraded: map[string]string{}}
	enter := func(s stage.State) {
		resp.States = append(resp.States, s)
		if req.OnState != nil {
			req.OnState(s)
		}
	}

	topK := e.topK(req.TopK)
	logger.Info("Processing ticket",
		zap.String("user_id", req.UserID),
		zap.Int("top_k", topK),
	)
	enter(stage.Received)

	extracted := observe(resp, "extract", func() stage.Outcome[models.ExtractedFields] {
		return e.extractor.Extract(ctx, extraction.Input{ImageURL: req.ImageURL, Text: req.InitialMessage})
	})
	if extracted.LowConfidence != nil && *extracted.LowConfidence {
		metrics.LowConfidenceTotal.Inc()
	}
	enter(stage.Extracted)

	queryText := BuildQuery(req.InitialMessage, extracted)
	enter(stage.Queried)

	kb := observe(resp, "retrieve", func() stage.Outcome[[]models.RetrievalMatch] {
		return e.retrieve(ctx, queryText, topK)
	})
	metrics.RetrievalResultsCount.Observe(float64(len(kb)))
	enter(stage.Retrieved)

	answerText := observe(resp, "answer", func() stage.Outcome[string] {
		return e.generator.Generate(ctx, answer.Request{
			Message:   req.InitialMessage,
			Extracted: extracted,
			Evidence:  kb,
		})
	})
	enter(stage.Answered)

	docIDs := make([]string, len(kb))
	for i, m := range kb {
		docIDs[i] = m.DocID
	}
	ticket := &models.Ticket{
		UserID:    req.UserID,
		ImageURL:  req.ImageURL,
		Extracted: extracted,
		Answer:    answerText,
		KBDocIDs:  docIDs,
	}

	persistStart := time.Now()
	err := e.persister.Persist(ctx, ticket)
	metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(persistStart).Seconds())
	if err != nil {
		metrics.StageOutcomes.WithLabelValues("persist", "failed").Inc()
		if e.cfg.PersistFailureFatal {
			logger.Error("Ticket persistence failed", zap.String("user_id", req.UserID), zap.Error(err))
			metrics.TicketsTotal.WithLabelValues("failed").Inc()
			metrics.PipelineDuration.WithLabelValues("failed").Observe(time.Since(startTime).Seconds())

			fallback := e.FallbackResponse()
			fallback.States = append(resp.States, stage.Responded)
			fallback.Degraded = resp.Degraded
			fallback.Degraded["persist"] = err.Error()
			if req.OnState != nil {
				req.OnState(stage.Responded)
			}
			return fallback, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		logger.Warn("Ticket persistence failed, answering anyway", zap.String("user_id", req.UserID), zap.Error(err))
		resp.Degraded["persist"] = err.Error()
	} else {
		metrics.StageOutcomes.WithLabelValues("persist", "ok").Inc()
		resp.TicketID = ticket.ID
	}
	enter(stage.Persisted)

	resp.Extracted = extracted
	resp.KB = kb
	resp.Answer = answerText
	enter(stage.Responded)

	status := "ok"
	if len(resp.Degraded) > 0 {
		status = "degraded"
	}
	metrics.TicketsTotal.WithLabelValues(status).Inc()
	metrics.PipelineDuration.WithLabelValues(status).Observe(time.Since(startTime).Seconds())

	logger.Info("Ticket processed",
		zap.String("ticket_id", resp.TicketID),
		zap.Int("kb_results", len(kb)),
		zap.Int("degraded_stages", len(resp.Degraded)),
		zap.Duration("latency", time.Since(startTime)),
	)

	return resp, nil
}

func (e *Engine) topK(requested int) int {
	k := requested
	if k <= 0 {
		k = e.cfg.DefaultTopK
	}
	if e.cfg.MaxTopK > 0 && k > e.cfg.MaxTopK {
		k = e.cfg.MaxTopK
	}
	return k
}

func (e *Engine) retrieve(ctx context.Context, queryText string, topK int) stage.Outcome[[]models.RetrievalMatch] {
	none := []models.RetrievalMatch{}

	vectors, err := e.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return stage.Degrade(none, fmt.Errorf("embed query: %w", err))
	}
	if len(vectors) != 1 {
		return stage.Degrade(none, fmt.Errorf("embed query: got %d vectors", len(vectors)))
	}

	if e.cfg.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RetrievalTimeout)
		defer cancel()
	}

	matches, err := e.store.Query(ctx, vectors[0], topK)
	if err != nil {
		return stage.Degrade(none, fmt.Errorf("query knowledge store: %w", err))
	}
	if matches == nil {
		matches = none
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return stage.Ok(matches)
}

// observe runs one degradable stage, records its outcome and returns the
// usable value.
func observe[T any](resp *Response, name string, run func() stage.Outcome[T]) T {
	start := time.Now()
	out := run()
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if out.IsDegraded() {
		metrics.StageOutcomes.WithLabelValues(name, "degraded").Inc()
		resp.Degraded[name] = out.Degraded.Error()
		logger.Warn("Stage degraded", zap.String("stage", name), zap.Error(out.Degraded))
	} else {
		metrics.StageOutcomes.WithLabelValues(name, "ok").Inc()
	}
	return out.Value
}
