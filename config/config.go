package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Router     RouterConfig     `json:"router"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Reranker   RerankerConfig   `json:"reranker"`
	Extractor  ExtractorConfig  `json:"extractor"`
	Redis      RedisConfig      `json:"redis"`
	Auth       AuthConfig       `json:"auth"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Confidence ConfidenceConfig `json:"confidence"`
	Agent      AgentConfig      `json:"agent"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
	IdleTimeout  int    `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime"`
}

// RouterConfig holds configuration for the OpenAI-compatible LLM router.
type RouterConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	MaxRetries  int     `json:"max_retries"`
	RetryBase   int     `json:"retry_base"` // base backoff delay in seconds
}

// EmbeddingConfig holds configuration for the CLIP inference server.
type EmbeddingConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`      // CLIP_MODEL id
	ModelPath string `json:"model_path"` // CLIP_MODEL_PATH local cache hint
	Dimension int    `json:"dimension"`  // must equal model output dim
	Timeout   int    `json:"timeout"`
	MaxTokens int    `json:"max_tokens"` // encoder token limit (CLIP: 77)
}

// RerankerConfig holds configuration for the optional cross-encoder service.
type RerankerConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Timeout int    `json:"timeout"`
	Enabled bool   `json:"enabled"`
}

// ExtractorConfig holds configuration for the document extraction service
// (PDF page text, OCR, embedded images).
type ExtractorConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Timeout int    `json:"timeout"`
}

// RedisConfig holds configuration for the checkpoint store.
type RedisConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	CheckpointTTL int    `json:"checkpoint_ttl"` // seconds
}

type AuthConfig struct {
	JWTSecret      string   `json:"jwt_secret"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// RetrievalConfig holds the hybrid retrieval knobs.
type RetrievalConfig struct {
	K                int     `json:"k"`                  // final chunk count
	KLex             int     `json:"k_lex"`              // lexical pool breadth
	KVec             int     `json:"k_vec"`              // vector pool breadth
	KRefine          int     `json:"k_refine"`           // k during refinement rounds
	KLexRefine       int     `json:"k_lex_refine"`       // pool breadth during refinement
	MMRLambda        float64 `json:"mmr_lambda"`         // relevance/diversity tradeoff
	MMRPool          int     `json:"mmr_pool"`           // reranked candidates considered by MMR
	StructureMax     int     `json:"structure_max"`      // chunks per structure supplement
	FirstPagesCutoff int     `json:"first_pages_cutoff"` // page bound for first_pages strategy
}

// ConfidenceConfig holds the logistic model weights and action thresholds.
type ConfidenceConfig struct {
	W0        float64    `json:"w0"`
	W         [10]float64 `json:"w"`
	AbstainTh float64    `json:"abstain_th"`
	ClarifyTh float64    `json:"clarify_th"`
}

// AgentConfig holds the graph pipeline knobs.
type AgentConfig struct {
	MaxIters            int     `json:"max_iters"`
	StrongChunkThresh   float64 `json:"strong_chunk_thresh"`
	MaxContextChunks    int     `json:"max_context_chunks"`
	MaxChunksPerDoc     int     `json:"max_chunks_per_doc"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`          // percent, default gate
	ExplicitScopeThresh float64 `json:"explicit_scope_threshold"`      // percent, explicit selection gate
	CompressorChunkCap  int     `json:"compressor_chunk_cap"`          // chars per chunk fed to the compressor
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 120),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "raguser"),
			Password:     getEnv("DB_PASS", ""),
			Name:         getEnv("DB_NAME", "rag_engine"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		Router: RouterConfig{
			BaseURL:     getEnv("ROUTER_BASE_URL", "http://localhost:8081"),
			APIKey:      getEnv("ROUTER_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "gpt-4o-mini"),
			Temperature: getEnvAsFloat("LLM_TEMPERATURE", 0.2),
			Timeout:     getEnvAsInt("ROUTER_TIMEOUT", 120),
			MaxRetries:  getEnvAsInt("ROUTER_MAX_RETRIES", 8),
			RetryBase:   getEnvAsInt("ROUTER_RETRY_BASE", 2),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   getEnv("EMBED_BASE_URL", "http://localhost:8090"),
			APIKey:    getEnv("EMBED_API_KEY", ""),
			Model:     getEnv("CLIP_MODEL", "openai/clip-vit-large-patch14"),
			ModelPath: getEnv("CLIP_MODEL_PATH", ""),
			Dimension: getEnvAsInt("EMBEDDING_DIM", 768),
			Timeout:   getEnvAsInt("EMBED_TIMEOUT", 30),
			MaxTokens: getEnvAsInt("EMBED_MAX_TOKENS", 77),
		},
		Reranker: RerankerConfig{
			BaseURL: getEnv("RERANK_BASE_URL", ""),
			APIKey:  getEnv("RERANK_API_KEY", ""),
			Timeout: getEnvAsInt("RERANK_TIMEOUT", 30),
			Enabled: getEnvAsBool("RERANK_ENABLED", true),
		},
		Extractor: ExtractorConfig{
			BaseURL: getEnv("EXTRACTOR_BASE_URL", "http://localhost:8094"),
			APIKey:  getEnv("EXTRACTOR_API_KEY", ""),
			Timeout: getEnvAsInt("EXTRACTOR_TIMEOUT", 120),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvAsInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvAsInt("REDIS_DB", 0),
			CheckpointTTL: getEnvAsInt("REDIS_CHECKPOINT_TTL", 86400),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Retrieval: RetrievalConfig{
			K:                getEnvAsInt("K_RETRIEVER", 8),
			KLex:             getEnvAsInt("K_LEX", 60),
			KVec:             getEnvAsInt("K_VEC", 60),
			KRefine:          getEnvAsInt("K_REFINE", 12),
			KLexRefine:       getEnvAsInt("K_LEX_REFINE", 72),
			MMRLambda:        getEnvAsFloat("MMR_LAMBDA", 0.5),
			MMRPool:          getEnvAsInt("MMR_POOL", 30),
			StructureMax:     getEnvAsInt("STRUCTURE_MAX", 6),
			FirstPagesCutoff: getEnvAsInt("FIRST_PAGES_CUTOFF", 10),
		},
		Confidence: ConfidenceConfig{
			W0: getEnvAsFloat("CONF_W0", -0.08),
			W: [10]float64{
				getEnvAsFloat("CONF_W1", 1.6),
				getEnvAsFloat("CONF_W2", 0.4),
				getEnvAsFloat("CONF_W3", 1.2),
				getEnvAsFloat("CONF_W4", -0.3),
				getEnvAsFloat("CONF_W5", 0.5),
				getEnvAsFloat("CONF_W6", 1.1),
				getEnvAsFloat("CONF_W7", 1.0),
				getEnvAsFloat("CONF_W8", 0.2),
				getEnvAsFloat("CONF_W9", 0.1),
				getEnvAsFloat("CONF_W10", 1.3),
			},
			AbstainTh: getEnvAsFloat("CONF_ABSTAIN_TH", 0.20),
			ClarifyTh: getEnvAsFloat("CONF_CLARIFY_TH", 0.60),
		},
		Agent: AgentConfig{
			MaxIters:            getEnvAsInt("MAX_ITERS", 3),
			StrongChunkThresh:   getEnvAsFloat("STRONG_CHUNK_THRESH", 0.30),
			MaxContextChunks:    getEnvAsInt("MAX_CONTEXT_CHUNKS", 24),
			MaxChunksPerDoc:     getEnvAsInt("MAX_CHUNKS_PER_DOC", 6),
			ConfidenceThreshold: getEnvAsFloat("SYNTHESIZER_CONFIDENCE_THRESHOLD_DEFAULT", 40.0),
			ExplicitScopeThresh: getEnvAsFloat("SYNTHESIZER_CONFIDENCE_THRESHOLD_EXPLICIT_SELECTION", 30.0),
			CompressorChunkCap:  getEnvAsInt("COMPRESSOR_CHUNK_CAP", 1200),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required (DB_PASS)")
	}

	if config.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive (EMBEDDING_DIM)")
	}

	if config.Retrieval.K > config.Retrieval.KLex+config.Retrieval.KVec {
		return fmt.Errorf("K_RETRIEVER must not exceed K_LEX + K_VEC")
	}

	if config.Router.BaseURL == "" {
		return fmt.Errorf("router base URL is required (ROUTER_BASE_URL)")
	}

	if config.Auth.JWTSecret == "your-secret-key-change-in-production" {
		return fmt.Errorf("JWT secret must be changed from default value (JWT_SECRET)")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
