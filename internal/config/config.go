package config

import (
	"log/slog"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration shared by the gateway and the worker.
type Config struct {
	// Server
	Port      int    `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Upload limits
	MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes
	UploadDir     string `env:"UPLOAD_DIR" envDefault:"/var/lib/docqa/uploads"`
	MaxPDFPages   int    `env:"MAX_PDF_PAGES" envDefault:"500"`

	// Store
	DBURL string `env:"DB_URL"`

	// Queue
	QueueURL string `env:"QUEUE_URL"`

	// Redis, used for document locks and the answer cache. Empty means
	// in-process noop fallbacks.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	CacheTTL      int    `env:"CACHE_TTL" envDefault:"300"` // seconds

	// Vector index
	QdrantURL           string `env:"QDRANT_URL" envDefault:"http://localhost:6333"`
	QdrantAPIKey        string `env:"QDRANT_API_KEY"`
	ActiveAlias         string `env:"QDRANT_ALIAS" envDefault:"document_chunks_active"`
	BootstrapCollection string `env:"QDRANT_COLLECTION" envDefault:"document_chunks"`

	// LLM & Embeddings
	OpenAIKey           string `env:"OPENAI_API_KEY"`
	LLMModel            string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	EmbeddingModel      string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDimensions int    `env:"EMBEDDING_DIMENSIONS" envDefault:"1536"`
	EmbeddingBatchSize  int    `env:"EMBEDDING_BATCH_SIZE" envDefault:"32"`
	EmbeddingMaxRetries int    `env:"EMBEDDING_MAX_RETRIES" envDefault:"3"`
	EmbeddingTimeout    int    `env:"EMBEDDING_TIMEOUT" envDefault:"30"` // seconds per request

	// Chunking
	ChunkSize    int `env:"CHUNK_SIZE" envDefault:"1200"`
	ChunkOverlap int `env:"CHUNK_OVERLAP" envDefault:"150"`

	// Retrieval. Questions with no chunk above MinScore get a refusal.
	TopK     int     `env:"RAG_TOP_K" envDefault:"6"`
	MinScore float64 `env:"RAG_MIN_SCORE" envDefault:"0.25"`

	// Scheduler: queued jobs are swept once per local day at midnight.
	SchedulerTimezone string `env:"SCHEDULER_TIMEZONE" envDefault:"Europe/Prague"`

	// Reindex
	ReindexWorkers int `env:"REINDEX_WORKERS" envDefault:"4"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
