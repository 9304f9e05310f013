package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	HTTPAddr string

	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	LLM        LLMConfig
	Embeddings EmbeddingConfig
	RAG        RAGConfig

	GroqAPIKey    string
	GroqBaseURL   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaHost    string

	URLFetchTimeout   time.Duration
	URLAllowPrivate   bool
	ChatRatePerMinute int
}

type LLMConfig struct {
	Provider    string
	Model       string
	Temperature float32
	MaxTokens   int
}

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
}

// RAGConfig bounds how much a single session may load and how it is retrieved.
type RAGConfig struct {
	ChunkSize         int
	ChunkOverlap      int
	RetrievalLimit    int
	MaxDocsPerSession int
	MaxCollections    int
	MaxUploadBytes    int64
	PruneSchedule     string
}

// Load reads configuration from the environment, after merging an optional .env file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg := Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/ragxpert?sslmode=disable"),
		Neo4jURI:    os.Getenv("NEO4J_URI"),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 24*time.Hour),

		LLM: LLMConfig{
			Provider:    strings.ToLower(getEnv("LLM_PROVIDER", ProviderGroq)),
			Model:       getEnv("LLM_MODEL", "llama-3.3-70b-versatile"),
			Temperature: getEnvAsFloat32("LLM_TEMPERATURE", 0.2),
			MaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 2500),
		},
		Embeddings: EmbeddingConfig{
			Provider:  strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", ProviderOllama)),
			Model:     getEnv("EMBEDDINGS_MODEL", "nomic-embed-text"),
			Dimension: getEnvAsInt("EMBEDDINGS_DIMENSION", 768),
		},
		RAG: RAGConfig{
			ChunkSize:         getEnvAsInt("RAG_CHUNK_SIZE", 5000),
			ChunkOverlap:      getEnvAsInt("RAG_CHUNK_OVERLAP", 1000),
			RetrievalLimit:    getEnvAsInt("RAG_RETRIEVAL_LIMIT", 4),
			MaxDocsPerSession: getEnvAsInt("RAG_MAX_DOCS_PER_SESSION", 10),
			MaxCollections:    getEnvAsInt("RAG_MAX_COLLECTIONS", 20),
			MaxUploadBytes:    int64(getEnvAsInt("RAG_MAX_UPLOAD_BYTES", 20<<20)),
			PruneSchedule:     getEnv("RAG_PRUNE_SCHEDULE", "@every 15m"),
		},

		GroqAPIKey:    os.Getenv("GROQ_API_KEY"),
		GroqBaseURL:   getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),

		URLFetchTimeout:   getEnvAsDuration("URL_FETCH_TIMEOUT", 20*time.Second),
		URLAllowPrivate:   getEnvAsBool("URL_ALLOW_PRIVATE", false),
		ChatRatePerMinute: getEnvAsInt("CHAT_RATE_PER_MINUTE", 30),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGroq:
		if c.GroqAPIKey == "" {
			return fmt.Errorf("GROQ_API_KEY not found in environment variables")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY not found in environment variables")
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}

	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("EMBEDDINGS_DIMENSION must be positive")
	}
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("RAG_CHUNK_SIZE must be positive")
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("RAG_CHUNK_OVERLAP must be in [0, RAG_CHUNK_SIZE)")
	}
	if c.RAG.MaxDocsPerSession <= 0 {
		return fmt.Errorf("RAG_MAX_DOCS_PER_SESSION must be positive")
	}
	return nil
}

// GraphEnabled reports whether a Neo4j endpoint was configured.
func (c Config) GraphEnabled() bool {
	return c.Neo4jURI != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid integer for %s, using default %d", key, fallback)
		return fallback
	}
	return value
}

func getEnvAsFloat32(key string, fallback float32) float32 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		log.Printf("invalid number for %s, using default %.2f", key, fallback)
		return fallback
	}
	return float32(value)
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid duration for %s, using default %s", key, fallback)
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid boolean for %s, using default %t", key, fallback)
		return fallback
	}
	return value
}
