package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/UditanshuPandey/RAG-Xpert/chat"
	"github.com/UditanshuPandey/RAG-Xpert/config"
	"github.com/UditanshuPandey/RAG-Xpert/database"
	"github.com/UditanshuPandey/RAG-Xpert/embeddings"
	"github.com/UditanshuPandey/RAG-Xpert/ingestion"
	"github.com/UditanshuPandey/RAG-Xpert/knowledge"
	"github.com/UditanshuPandey/RAG-Xpert/llm"
	"github.com/UditanshuPandey/RAG-Xpert/metrics"
	"github.com/UditanshuPandey/RAG-Xpert/session"
)

var _ ingestion.GraphSink = (*knowledge.Graph)(nil)

// app holds the connections and services shared by every command.
type app struct {
	cfg    config.Config
	logger *log.Logger

	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext
	redis  *redis.Client

	sessions session.Store
	registry *prometheus.Registry
	pruner   *ingestion.Pruner
	ingest   *ingestion.Service
	chat     *chat.Service
}

func newApp(ctx context.Context, cfg config.Config, logger *log.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.pool, err = database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	if err = database.EnsureRAGSchema(ctx, a.pool, cfg.Embeddings.Dimension); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	var (
		graphSink  ingestion.GraphSink
		graphStore chat.GraphStore
	)
	if cfg.GraphEnabled() {
		a.driver, err = database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		graphSink = knowledge.NewGraph(a.driver)
		graphStore = chat.NewNeo4jGraphStore(a.driver)
	} else {
		logger.Println("NEO4J_URI not set, knowledge graph disabled")
	}

	if cfg.RedisAddr != "" {
		a.redis, err = database.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		a.sessions = session.NewRedisStore(a.redis, cfg.SessionTTL)
	} else {
		logger.Println("REDIS_ADDR not set, sessions are kept in memory")
		a.sessions = session.NewMemoryStore()
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}
	chunker, err := ingestion.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("chunker setup: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(a.registry)

	locks := session.NewLocks()
	index := ingestion.NewPostgresIndex(a.pool, logger)
	a.pruner = ingestion.NewPruner(index, graphSink, a.sessions, locks, recorder, logger, cfg.RAG.MaxCollections)

	a.ingest, err = ingestion.NewService(ingestion.ServiceConfig{
		Index:    index,
		Graph:    graphSink,
		Embedder: embedder,
		Sessions: a.sessions,
		Locks:    locks,
		Chunker:  chunker,
		Web: ingestion.NewWebLoader(ingestion.WebLoaderOptions{
			Timeout:      cfg.URLFetchTimeout,
			AllowPrivate: cfg.URLAllowPrivate,
		}),
		Pruner:            a.pruner,
		Metrics:           recorder,
		Logger:            logger,
		MaxDocsPerSession: cfg.RAG.MaxDocsPerSession,
		MaxUploadBytes:    cfg.RAG.MaxUploadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("ingestion setup: %w", err)
	}

	a.chat, err = chat.NewService(chat.ServiceConfig{
		Sessions:       a.sessions,
		Locks:          locks,
		Vectors:        chat.NewPostgresVectorStore(a.pool),
		Graph:          graphStore,
		Embedder:       embedder,
		LLM:            llmClient,
		Metrics:        recorder,
		Logger:         logger,
		RetrievalLimit: cfg.RAG.RetrievalLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("chat setup: %w", err)
	}

	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Printf("close redis: %v", err)
		}
	}
	if a.driver != nil {
		if err := a.driver.Close(ctx); err != nil {
			a.logger.Printf("close neo4j: %v", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
