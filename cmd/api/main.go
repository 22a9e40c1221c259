package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/ecom-rec/backend/internal/api/handlers"
	"github.com/ecom-rec/backend/internal/cache/redis"
	"github.com/ecom-rec/backend/internal/catalog"
	"github.com/ecom-rec/backend/internal/embedding"
	"github.com/ecom-rec/backend/internal/metrics"
	"github.com/ecom-rec/backend/internal/middleware/ratelimit"
	"github.com/ecom-rec/backend/internal/middleware/security"
	"github.com/ecom-rec/backend/internal/middleware/validation"
	"github.com/ecom-rec/backend/internal/recommend"
	"github.com/ecom-rec/backend/internal/storage/sqlite"
	"github.com/ecom-rec/backend/internal/vector/milvus"
	"github.com/ecom-rec/backend/pkg/config"
	appLogger "github.com/ecom-rec/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting recommendation API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	redisClient, err := redis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.VectorDim,
		cfg.Milvus.Nlist,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	// Collection existence is settled once at startup, never re-checked per
	// request. The item collection is owned by the catalog service but must
	// exist with the same dimension before this service can search it.
	err = milvusClient.EnsureCollection(context.Background(), cfg.Milvus.UserCollection, cfg.Milvus.VectorDim)
	if err != nil {
		appLogger.Fatal("Failed to ensure user vector collection", zap.Error(err))
	}
	err = milvusClient.EnsureCollection(context.Background(), cfg.Milvus.ItemCollection, cfg.Milvus.VectorDim)
	if err != nil {
		appLogger.Fatal("Failed to ensure item vector collection", zap.Error(err))
	}

	embeddingClient := embedding.NewClient(
		cfg.Embedding.APIKey,
		cfg.Embedding.Model,
		cfg.Embedding.Dimension,
		cfg.Embedding.TimeoutSec,
		redisClient,
		time.Duration(cfg.Recommendation.CacheTTLSec)*time.Second,
	)

	catalogClient := catalog.NewClient(
		cfg.Catalog.BaseURL,
		time.Duration(cfg.Catalog.TimeoutSec)*time.Second,
	)

	engine := recommend.NewEngine(
		recommend.Config{
			UserCollection:      cfg.Milvus.UserCollection,
			ItemCollection:      cfg.Milvus.ItemCollection,
			DefaultLimit:        cfg.Recommendation.DefaultLimit,
			MaxLimit:            cfg.Recommendation.MaxLimit,
			CollaborativeWeight: cfg.Recommendation.CollaborativeWeight,
			ContentWeight:       cfg.Recommendation.ContentWeight,
			BehaviorWindow:      cfg.Recommendation.BehaviorWindow,
			SeedWindow:          cfg.Recommendation.SeedWindow,
			TrendingWindow:      time.Duration(cfg.Recommendation.TrendingWindowDays) * 24 * time.Hour,
			CacheTTL:            time.Duration(cfg.Recommendation.CacheTTLSec) * time.Second,
			MinSimilarity:       cfg.Recommendation.MinSimilarity,
		},
		milvusClient,
		redisClient,
		sqliteClient,
		embeddingClient,
		catalogClient,
		sqliteClient,
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-User-ID, X-Session-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 100,
		Logger:               appLogger.GetLogger(),
	})
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		MaxLimit: cfg.Recommendation.MaxLimit,
		Logger:   appLogger.GetLogger(),
	}))

	recHandler := handlers.NewRecommendationHandler(engine)

	api := app.Group("/api/v1")

	api.Get("/recommendations", recHandler.GetRecommendations)
	api.Post("/recommendations/user-vector", recHandler.UpdateUserVector)
	api.Get("/recommendations/stats", recHandler.GetStats)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

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
	app.Shutdown()
	appLogger.Info("Server stopped")
}
