package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tas-rag-engine/auth"
	"github.com/tas-rag-engine/config"
	"github.com/tas-rag-engine/handlers"
	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services/graph"
	"github.com/tas-rag-engine/services/impl"
	"github.com/tas-rag-engine/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	db, err := initDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Document{},
		&models.Chunk{},
		&models.ThreadTracking{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}
	if err := store.EnsureSchema(db, cfg.Embedding.Dimension); err != nil {
		log.Fatal("Failed to apply vector schema:", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddress(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	log.Println("Redis connection established for checkpoint store")

	// Core services
	chunkStore := store.NewChunkStore(db, cfg.Embedding.Dimension)
	embeddingService := impl.NewEmbeddingService(&cfg.Embedding)
	rerankerService := impl.NewRerankerService(&cfg.Reranker)
	retrievalService := impl.NewRetrievalService(&cfg.Retrieval, chunkStore, embeddingService, rerankerService)
	llmService := impl.NewLLMService(&cfg.Router)
	ingestionService := impl.NewIngestionService(chunkStore, embeddingService, impl.NewExtractorClient(&cfg.Extractor))
	auditService := impl.NewAuditService(db)

	// Embedding self-test before accepting traffic: a dimension mismatch
	// between the model and the vector column corrupts every ingest, so a
	// failed self-test stops the process.
	selfTestCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := embeddingService.HealthCheck(selfTestCtx); err != nil {
		log.Fatal("Embedding self-test failed:", err)
	}
	cancel()

	// Agent graph
	checkpoints := graph.NewRedisCheckpointStore(redisClient, cfg.Redis.CheckpointTTL)
	scorer := graph.NewConfidenceScorer(&cfg.Confidence)
	runner := graph.NewRunner(
		&cfg.Agent,
		checkpoints,
		graph.NewPlanner(llmService),
		graph.NewRetriever(retrievalService, &cfg.Retrieval),
		graph.NewCompressor(llmService, &cfg.Agent),
		graph.NewCritic(llmService, &cfg.Agent),
		graph.NewRefiner(retrievalService, &cfg.Retrieval),
		graph.NewSynthesizer(llmService, scorer, chunkStore, &cfg.Agent),
		graph.NewPruner(chunkStore),
	)
	ragService := graph.NewRAGService(runner, auditService, chunkStore)

	ragHandlers := handlers.NewRAGHandlers(ragService, retrievalService, ingestionService, auditService, embeddingService, chunkStore)

	router := setupRouter(ragHandlers, cfg)

	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.Printf("RAG engine server starting on %s", cfg.GetServerAddress())
		log.Printf("Router URL: %s", cfg.Router.BaseURL)
		log.Printf("Embedding model: %s (dim %d)", cfg.Embedding.Model, cfg.Embedding.Dimension)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	return db, nil
}

func setupRouter(ragHandlers *handlers.RAGHandlers, cfg *config.Config) *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Auth.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/health", ragHandlers.Health)

	jwtValidator := auth.NewJWTValidator(cfg.Auth.JWTSecret, nil)

	v1 := router.Group("/api/v1")
	v1.Use(jwtValidator.Middleware())
	{
		v1.POST("/ask", ragHandlers.Ask)
		v1.POST("/retrieve", ragHandlers.Retrieve)
		v1.POST("/ingest", ragHandlers.Ingest)
		v1.GET("/history", ragHandlers.History)

		docs := v1.Group("/documents")
		{
			docs.GET("", ragHandlers.ListDocuments)
			docs.GET("/:id", ragHandlers.GetDocument)
			docs.GET("/:id/inspect", ragHandlers.InspectDocument)
			docs.DELETE("/:id", ragHandlers.DeleteDocument)
		}
	}

	return router
}
