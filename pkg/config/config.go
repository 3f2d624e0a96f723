package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Logging     LoggingConfig
	SQLite      SQLiteConfig
	Vector      VectorConfig
	Redis       RedisConfig
	LLM         LLMConfig
	Gemini      GeminiConfig
	ObjectStore ObjectStoreConfig
	Neo4j       Neo4jConfig
	Pipeline    PipelineConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
	RateLimit      RateLimitConfig
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type SQLiteConfig struct {
	Path string
}

// VectorConfig selects the knowledge store backend: milvus, pgvector or local.
type VectorConfig struct {
	Backend  string
	Milvus   MilvusConfig
	Postgres PostgresConfig
	Local    LocalConfig
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
}

type PostgresConfig struct {
	DSN   string
	Table string
}

type LocalConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	EmbeddingTTL int
}

// LLMConfig covers the OpenAI-compatible endpoint used for vision, chat and embeddings.
type LLMConfig struct {
	Provider             string
	BaseURL              string
	APIKey               string
	ChatModel            string
	VisionModel          string
	EmbeddingModel       string
	EmbeddingDim         int
	ChatTemperature      float32
	VisionTemperature    float32
	MaxTokens            int
	ExtractionTimeoutSec int
	EmbeddingTimeoutSec  int
	RetrievalTimeoutSec  int
	GenerationTimeoutSec int
}

type GeminiConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
}

type ObjectStoreConfig struct {
	Enabled       bool
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Secure        bool
	PresignExpiry int
	KeyPrefix     string
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type PipelineConfig struct {
	DefaultTopK         int
	MaxTopK             int
	PersistFailureFatal bool
	SystemInstruction   string
	FallbackAnswer      string
	GreetingFallback    string
}

func (c LLMConfig) ExtractionTimeout() time.Duration {
	return time.Duration(c.ExtractionTimeoutSec) * time.Second
}

func (c LLMConfig) EmbeddingTimeout() time.Duration {
	return time.Duration(c.EmbeddingTimeoutSec) * time.Second
}

func (c LLMConfig) RetrievalTimeout() time.Duration {
	return time.Duration(c.RetrievalTimeoutSec) * time.Second
}

func (c LLMConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/support-agent")

	v.SetEnvPrefix("SUPPORT_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Vector.Backend {
	case "milvus", "pgvector", "local":
	default:
		return fmt.Errorf("unknown vector backend: %q", c.Vector.Backend)
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	if c.Pipeline.DefaultTopK <= 0 {
		return fmt.Errorf("pipeline.defaultTopK must be positive, got %d", c.Pipeline.DefaultTopK)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 180)
	v.SetDefault("server.bodyLimit", 20971520)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)
	v.SetDefault("server.rateLimit.requestsPerMinute", 60)
	v.SetDefault("server.rateLimit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 30)

	v.SetDefault("sqlite.path", "./data/support.db")

	v.SetDefault("vector.backend", "milvus")
	v.SetDefault("vector.milvus.endpoint", "localhost:19530")
	v.SetDefault("vector.milvus.collectionName", "kb_docs")
	v.SetDefault("vector.postgres.table", "kb_vectors")
	v.SetDefault("vector.local.path", "./data/kb.bolt")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTL", 86400)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.baseURL", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("llm.chatModel", "qwen-plus")
	v.SetDefault("llm.visionModel", "qwen-vl-plus")
	v.SetDefault("llm.embeddingModel", "text-embedding-v1")
	v.SetDefault("llm.embeddingDim", 1536)
	v.SetDefault("llm.chatTemperature", 0.2)
	v.SetDefault("llm.visionTemperature", 0.1)
	v.SetDefault("llm.maxTokens", 512)
	v.SetDefault("llm.extractionTimeoutSec", 60)
	v.SetDefault("llm.embeddingTimeoutSec", 60)
	v.SetDefault("llm.retrievalTimeoutSec", 10)
	v.SetDefault("llm.generationTimeoutSec", 60)

	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("gemini.embeddingModel", "text-embedding-004")

	v.SetDefault("objectStore.enabled", false)
	v.SetDefault("objectStore.endpoint", "localhost:9000")
	v.SetDefault("objectStore.region", "us-east-1")
	v.SetDefault("objectStore.keyPrefix", "uploads/")
	v.SetDefault("objectStore.bucket", "support-uploads")
	v.SetDefault("objectStore.secure", false)
	v.SetDefault("objectStore.presignExpiry", 300)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("pipeline.defaultTopK", 4)
	v.SetDefault("pipeline.maxTopK", 20)
	v.SetDefault("pipeline.persistFailureFatal", true)
	v.SetDefault("pipeline.systemInstruction", "You are the official support assistant. Be concise and helpful. Use evidence when relevant.")
	v.SetDefault("pipeline.fallbackAnswer", "Thanks for reaching out! We couldn't generate a detailed answer right now, but your request has been recorded and a support agent will follow up shortly.")
	v.SetDefault("pipeline.greetingFallback", "Hi! Thanks for contacting support. We're having trouble processing your request at the moment. Please try again in a few minutes.")
}
