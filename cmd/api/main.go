package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/support-agent/backend/internal/answer"
	"github.com/support-agent/backend/internal/api/handlers"
	"github.com/support-agent/backend/internal/cache/redis"
	"github.com/support-agent/backend/internal/embedding"
	"github.com/support-agent/backend/internal/extraction"
	"github.com/support-agent/backend/internal/ingestion"
	"github.com/support-agent/backend/internal/kg/neo4j"
	"github.com/support-agent/backend/internal/llm"
	"github.com/support-agent/backend/internal/metrics"
	"github.com/support-agent/backend/internal/middleware/ratelimit"
	"github.com/support-agent/backend/internal/middleware/security"
	"github.com/support-agent/backend/internal/middleware/validation"
	"github.com/support-agent/backend/internal/objectstore"
	"github.com/support-agent/backend/internal/query"
	"github.com/support-agent/backend/internal/storage/sqlite"
	"github.com/support-agent/backend/internal/ticket"
	"github.com/support-agent/backend/internal/vector"
	"github.com/support-agent/backend/internal/vector/local"
	"github.com/support-agent/backend/internal/vector/milvus"
	"github.com/support-agent/backend/internal/vector/pgvector"
	"github.com/support-agent/backend/pkg/config"
	appLogger "github.com/support-agent/backend/pkg/logger"
)

type closer func() error

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath, appLogger.Rotation{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting support agent API server",
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("llm_provider", cfg.LLM.Provider),
	)

	metrics.Init()
	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	store, closeStore, err := newVectorStore(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to create knowledge store", zap.Error(err))
	}
	defer closeStore()

	readiness := map[string]handlers.Check{
		"sqlite": sqliteClient.Ping,
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
			readiness["redis"] = cache.Ping
		}
	}

	embedder, closeEmbedder, err := newEmbedder(ctx, cfg, cache)
	if err != nil {
		appLogger.Fatal("Failed to create embedder", zap.Error(err))
	}
	defer closeEmbedder()

	vision, chat, closeModels, err := newChatModels(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to create chat models", zap.Error(err))
	}
	defer closeModels()

	var graph *neo4j.Client
	if cfg.Neo4j.Enabled {
		graph, err = neo4j.NewClient(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, metrics.ObserveCircuit)
		if err != nil {
			appLogger.Warn("Neo4j unavailable, citation graph disabled", zap.Error(err))
			graph = nil
		} else {
			defer graph.Close(context.Background())
			if err := graph.EnsureConstraints(ctx); err != nil {
				appLogger.Warn("Failed to create graph constraints", zap.Error(err))
			}
		}
	}

	extractor := extraction.NewExtractor(vision, chat, extraction.Config{
		VisionTemperature: cfg.LLM.VisionTemperature,
		TextTemperature:   cfg.LLM.ChatTemperature,
		MaxTokens:         cfg.LLM.MaxTokens,
	})
	generator := answer.NewGenerator(chat, answer.Config{
		SystemInstruction: cfg.Pipeline.SystemInstruction,
		FallbackAnswer:    cfg.Pipeline.FallbackAnswer,
		Temperature:       cfg.LLM.ChatTemperature,
		MaxTokens:         cfg.LLM.MaxTokens,
	})

	var recorder ticket.GraphRecorder
	var citations handlers.CitationSource
	if graph != nil {
		recorder = graph
		citations = graph
	}
	persister := ticket.NewPersister(sqliteClient, recorder)

	engine := query.NewEngine(extractor, embedder, store, generator, persister, query.Config{
		DefaultTopK:         cfg.Pipeline.DefaultTopK,
		MaxTopK:             cfg.Pipeline.MaxTopK,
		PersistFailureFatal: cfg.Pipeline.PersistFailureFatal,
		GreetingFallback:    cfg.Pipeline.GreetingFallback,
		RetrievalTimeout:    cfg.LLM.RetrievalTimeout(),
	})
	processor := ingestion.NewProcessor(embedder, store, sqliteClient)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		Burst:             cfg.Server.RateLimit.Burst,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Server.Development}))

	validationConfig := validation.Config{
		DefaultTopK: cfg.Pipeline.DefaultTopK,
		MaxTopK:     cfg.Pipeline.MaxTopK,
		Logger:      appLogger.GetLogger(),
	}

	ticketHandler := handlers.NewTicketHandler(engine, sqliteClient, persister)
	kbHandler := handlers.NewKBHandler(processor, citations)
	extractHandler := handlers.NewExtractHandler(extractor)
	healthHandler := handlers.NewHealthHandler(readiness)
	wsHandler := handlers.NewWebSocketHandler(engine, persister, validationConfig)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	limited := api.Group("", limiter.Middleware(), validation.ContentType("application/json", "multipart/form-data"))

	submit := validation.Ticket(validationConfig)
	limited.Post("/tickets", submit, ticketHandler.SubmitTicket)
	limited.Post("/submit-screenshot", submit, ticketHandler.SubmitTicket)
	limited.Get("/tickets/:id", ticketHandler.GetTicket)
	limited.Get("/users/:user_id/tickets", ticketHandler.ListTickets)
	limited.Get("/users/:user_id/messages", ticketHandler.ListMessages)

	limited.Post("/extract/text", extractHandler.ExtractText)

	limited.Post("/kb/upload-files", kbHandler.UploadFiles)
	limited.Post("/kb/documents", kbHandler.UploadDocuments)
	limited.Get("/kb/citations", kbHandler.TopCitations)

	if cfg.ObjectStore.Enabled {
		presigner, err := objectstore.NewPresigner(objectstore.Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			Region:    cfg.ObjectStore.Region,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			Secure:    cfg.ObjectStore.Secure,
			Expiry:    time.Duration(cfg.ObjectStore.PresignExpiry) * time.Second,
			KeyPrefix: cfg.ObjectStore.KeyPrefix,
		})
		if err != nil {
			appLogger.Fatal("Failed to create presigner", zap.Error(err))
		}
		limited.Post("/presign-upload", handlers.NewUploadHandler(presigner).PresignUpload)
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/tickets", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func newVectorStore(ctx context.Context, cfg *config.Config) (vector.Store, closer, error) {
	switch cfg.Vector.Backend {
	case "milvus":
		client, err := milvus.NewClient(ctx, cfg.Vector.Milvus.Endpoint, cfg.Vector.Milvus.APIKey, cfg.Vector.Milvus.CollectionName, cfg.LLM.EmbeddingDim)
		if err != nil {
			return nil, nil, err
		}
		if err := client.CreateCollection(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return client, client.Close, nil
	case "pgvector":
		store, err := pgvector.NewStore(ctx, cfg.Vector.Postgres.DSN, cfg.Vector.Postgres.Table, cfg.LLM.EmbeddingDim)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := local.NewStore(cfg.Vector.Local.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func newEmbedder(ctx context.Context, cfg *config.Config, cache *redis.Client) (embedding.Embedder, closer, error) {
	var (
		embedder embedding.Embedder
		model    string
		closeFn  closer = func() error { return nil }
	)

	switch cfg.LLM.Provider {
	case "gemini":
		model = cfg.Gemini.EmbeddingModel
		g, err := embedding.NewGeminiEmbedder(ctx, cfg.Gemini.APIKey, embedding.Options{
			Model:         model,
			Dimension:     cfg.LLM.EmbeddingDim,
			Timeout:       cfg.LLM.EmbeddingTimeout(),
			OnStateChange: metrics.ObserveCircuit,
		})
		if err != nil {
			return nil, nil, err
		}
		embedder, closeFn = g, g.Close
	default:
		model = cfg.LLM.EmbeddingModel
		embedder = embedding.NewOpenAIEmbedder(cfg.LLM.APIKey, cfg.LLM.BaseURL, embedding.Options{
			Model:         model,
			Dimension:     cfg.LLM.EmbeddingDim,
			Timeout:       cfg.LLM.EmbeddingTimeout(),
			OnStateChange: metrics.ObserveCircuit,
		})
	}

	if cache != nil {
		ttl := time.Duration(cfg.Redis.EmbeddingTTL) * time.Second
		embedder = embedding.NewCachedEmbedder(embedder, cache, model, ttl)
	}
	return embedder, closeFn, nil
}

func newChatModels(ctx context.Context, cfg *config.Config) (llm.ChatModel, llm.ChatModel, closer, error) {
	if cfg.LLM.Provider == "gemini" {
		visionClient, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, llm.Options{
			Model:         cfg.Gemini.Model,
			Temperature:   cfg.LLM.VisionTemperature,
			MaxTokens:     cfg.LLM.MaxTokens,
			Timeout:       cfg.LLM.ExtractionTimeout(),
			OnStateChange: metrics.ObserveCircuit,

			TrustedImageHosts: trustedImageHosts(cfg),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		chatClient, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, llm.Options{
			Model:         cfg.Gemini.Model,
			Temperature:   cfg.LLM.ChatTemperature,
			MaxTokens:     cfg.LLM.MaxTokens,
			Timeout:       cfg.LLM.GenerationTimeout(),
			OnStateChange: metrics.ObserveCircuit,
		})
		if err != nil {
			visionClient.Close()
			return nil, nil, nil, err
		}
		return visionClient, chatClient, func() error {
			visionClient.Close()
			return chatClient.Close()
		}, nil
	}

	visionClient := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, llm.Options{
		Model:         cfg.LLM.VisionModel,
		Temperature:   cfg.LLM.VisionTemperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		Timeout:       cfg.LLM.ExtractionTimeout(),
		OnStateChange: metrics.ObserveCircuit,
	})
	chatClient := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, llm.Options{
		Model:         cfg.LLM.ChatModel,
		Temperature:   cfg.LLM.ChatTemperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		Timeout:       cfg.LLM.GenerationTimeout(),
		OnStateChange: metrics.ObserveCircuit,
	})
	return visionClient, chatClient, func() error { return nil }, nil
}

// trustedImageHosts lets the vision model read screenshots from our own
// object store even when it sits on a private network.
func trustedImageHosts(cfg *config.Config) []string {
	if !cfg.ObjectStore.Enabled || cfg.ObjectStore.Endpoint == "" {
		return nil
	}
	return []string{cfg.ObjectStore.Endpoint}
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ", ")
}
