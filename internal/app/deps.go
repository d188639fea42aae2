package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"docqa/internal/cache"
	"docqa/internal/config"
	"docqa/internal/dispatch"
	"docqa/internal/embeddings"
	"docqa/internal/ingest"
	"docqa/internal/llm"
	"docqa/internal/lock"
	"docqa/internal/logger"
	"docqa/internal/queue"
	"docqa/internal/reindex"
	"docqa/internal/retrieval"
	"docqa/internal/store"
	"docqa/internal/vectorindex"
)

// Deps bundles common runtime dependencies for the gateway and the worker.
type Deps struct {
	Config config.Config
	Log    *slog.Logger
	Store  store.Store
	Queue  queue.Queue
	Index  vectorindex.Index
	LLM    llm.Client
	Cache  cache.Cache
	Locker lock.Locker

	Engine     *ingest.Engine
	Ingest     *ingest.Service
	Dispatcher *dispatch.Dispatcher
	Scheduler  *dispatch.Scheduler
	Reindex    *reindex.Orchestrator
	Retrieval  *retrieval.Service
}

// Build loads env, config, and shared components, then wires the services.
func Build() (Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Deps{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	st, err := buildStore(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize store: %w", err)
	}
	q, err := buildQueue(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize queue: %w", err)
	}
	idx := vectorindex.NewQdrant(vectorindex.QdrantConfig{
		URL:    cfg.QdrantURL,
		APIKey: cfg.QdrantAPIKey,
	})
	llmClient, err := buildLLM(cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	answerCache, locker := buildRedis(cfg, log)

	// Services resolve the active profile through this factory on every job
	// and ask, so an applied reindex switches the embedder without a restart.
	factory := newEmbedderFactory(cfg)
	if err := ensureActiveProfile(context.Background(), cfg, log, st, idx); err != nil {
		return Deps{}, fmt.Errorf("failed to bootstrap embedding profile: %w", err)
	}

	engine := ingest.NewEngine(log, st, idx, factory, answerCache, ingest.EngineConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		MaxPDFPages:  cfg.MaxPDFPages,
	})
	ingestSvc := ingest.NewService(log, st, idx, answerCache, locker, cfg.UploadDir, cfg.MaxUploadSize, cfg.ActiveAlias)
	dispatcher := dispatch.New(log, st, q)
	scheduler, err := dispatch.NewScheduler(log, st, dispatcher, locker, cfg.SchedulerTimezone)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	orchestrator := reindex.NewOrchestrator(log, st, idx, q, engine, factory, locker, cfg.ActiveAlias, cfg.ReindexWorkers)
	retrievalSvc := retrieval.NewService(log, idx, st, factory, llmClient, answerCache, retrieval.Config{
		Alias:    cfg.ActiveAlias,
		Model:    cfg.LLMModel,
		TopK:     cfg.TopK,
		MinScore: float32(cfg.MinScore),
		CacheTTL: time.Duration(cfg.CacheTTL) * time.Second,
	})

	return Deps{
		Config:     cfg,
		Log:        log,
		Store:      st,
		Queue:      q,
		Index:      idx,
		LLM:        llmClient,
		Cache:      answerCache,
		Locker:     locker,
		Engine:     engine,
		Ingest:     ingestSvc,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Reindex:    orchestrator,
		Retrieval:  retrievalSvc,
	}, nil
}

// Close releases long-lived connections.
func (d Deps) Close() {
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			d.Log.Error("failed to close store", "err", err)
		}
	}
	if d.Cache != nil {
		if err := d.Cache.Close(); err != nil {
			d.Log.Error("failed to close cache", "err", err)
		}
	}
}

func buildStore(cfg config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.DBURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}
	db, err := store.NewPostgres(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
	}
	log.Info("using Postgres store")
	return db, nil
}

func buildQueue(cfg config.Config, log *slog.Logger) (queue.Queue, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("QUEUE_URL is required")
	}
	nc, err := nats.Connect(cfg.QueueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("using NATS queue")
	return queue.NewNATS(log, nc), nil
}

func buildLLM(cfg config.Config, log *slog.Logger) (llm.Client, error) {
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	client, err := llm.NewOpenAIClient(cfg.OpenAIKey, openai.ChatModel(cfg.LLMModel))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}
	log.Info("using OpenAI LLM client", "model", cfg.LLMModel)
	return client, nil
}

// buildRedis returns the answer cache and the scheduler lock, falling back to
// in-process noops when Redis is not configured or unreachable.
func buildRedis(cfg config.Config, log *slog.Logger) (cache.Cache, lock.Locker) {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, using noop cache and locks")
		return cache.NewNoOpCache(), lock.NewNoOpLocker()
	}
	c, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Warn("redis unavailable, using noop cache and locks", "err", err)
		return cache.NewNoOpCache(), lock.NewNoOpLocker()
	}
	l, err := lock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Warn("redis locker unavailable, using noop locks", "err", err)
		return c, lock.NewNoOpLocker()
	}
	log.Info("using Redis cache and locks", "addr", cfg.RedisAddr)
	return c, l
}

// newEmbedderFactory builds embedders matching a profile's model, dimensions,
// prefix mode, and normalization. Every embedding path resolves its profile
// through it: jobs and asks with the active profile, reindex runs with the
// target one.
func newEmbedderFactory(cfg config.Config) func(profile store.EmbeddingProfile) (embeddings.Embedder, error) {
	return func(profile store.EmbeddingProfile) (embeddings.Embedder, error) {
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required")
		}
		embedder, err := embeddings.NewOpenAIEmbedder(
			cfg.OpenAIKey,
			openai.EmbeddingModel(profile.ModelID),
			profile.Dimensions,
			embeddings.WithBatchSize(cfg.EmbeddingBatchSize),
			embeddings.WithMaxRetries(cfg.EmbeddingMaxRetries),
			embeddings.WithTimeout(time.Duration(cfg.EmbeddingTimeout)*time.Second),
			embeddings.WithPrefixMode(profile.InputPrefixMode),
		)
		if err != nil {
			return nil, err
		}
		if profile.Normalize {
			return embeddings.Normalized(embedder), nil
		}
		return embedder, nil
	}
}

// ensureActiveProfile bootstraps a first active profile on an empty system:
// the configured model gets a collection and the live alias points at it.
func ensureActiveProfile(ctx context.Context, cfg config.Config, log *slog.Logger, st store.Store, idx vectorindex.Index) error {
	_, err := st.ActiveProfile(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if _, err := st.CreateProfile(ctx, store.EmbeddingProfile{
		Name:            "default",
		Provider:        "openai",
		ModelID:         cfg.EmbeddingModel,
		Dimensions:      cfg.EmbeddingDimensions,
		DistanceMetric:  vectorindex.DistanceCosine,
		InputPrefixMode: embeddings.PrefixModeNone,
		CollectionName:  cfg.BootstrapCollection,
		AliasName:       cfg.ActiveAlias,
		Status:          store.ProfileActive,
	}); err != nil {
		return err
	}
	if err := idx.EnsureCollection(ctx, cfg.BootstrapCollection, cfg.EmbeddingDimensions, vectorindex.DistanceCosine); err != nil {
		return err
	}
	if _, err := idx.AliasTarget(ctx, cfg.ActiveAlias); errors.Is(err, vectorindex.ErrAliasNotFound) {
		if err := idx.SwitchAlias(ctx, cfg.ActiveAlias, cfg.BootstrapCollection); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	log.Info("bootstrapped embedding profile", "model", cfg.EmbeddingModel, "collection", cfg.BootstrapCollection, "alias", cfg.ActiveAlias)
	return nil
}
