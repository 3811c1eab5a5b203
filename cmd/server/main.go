package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/HWMO-Fire-Map/MapDemo/internal/catalog"
	"github.com/HWMO-Fire-Map/MapDemo/internal/config"
	"github.com/HWMO-Fire-Map/MapDemo/internal/database"
	"github.com/HWMO-Fire-Map/MapDemo/internal/events"
	"github.com/HWMO-Fire-Map/MapDemo/internal/handlers"
	"github.com/HWMO-Fire-Map/MapDemo/internal/logger"
	"github.com/HWMO-Fire-Map/MapDemo/internal/middleware"
	"github.com/HWMO-Fire-Map/MapDemo/internal/observability"
	"github.com/HWMO-Fire-Map/MapDemo/internal/repository"
	"github.com/HWMO-Fire-Map/MapDemo/internal/services"
	"github.com/HWMO-Fire-Map/MapDemo/internal/viewcache"
)

const (
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	log := logger.NewWithOptions(logger.Options{Env: cfg.Server.Env, Level: cfg.Server.LogLevel})
	log.Info("Starting fire map API", map[string]interface{}{
		"version":     handlers.APIVersion,
		"environment": cfg.Server.Env,
		"port":        cfg.Server.Port,
		"data_dir":    cfg.Data.Dir,
	})

	// Create database connection pool
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", err, map[string]interface{}{
			"host": cfg.Database.Host,
			"port": cfg.Database.Port,
			"name": cfg.Database.Name,
		})
	}
	defer db.Close()

	log.Info("Database connection established", map[string]interface{}{
		"host":     cfg.Database.Host,
		"port":     cfg.Database.Port,
		"database": cfg.Database.Name,
		"pool_min": cfg.Database.PoolMin,
		"pool_max": cfg.Database.PoolMax,
	})

	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database); err != nil {
			log.Fatal("Failed to apply migrations", err, nil)
		}
		log.Info("Database migrations applied", nil)
	}

	// Metrics
	registry := observability.NewRegistry()
	metrics := observability.NewMetrics(registry)
	clock := clockwork.NewRealClock()

	// Optional Redis document cache
	var cache viewcache.Cache = viewcache.Nop{}
	checks := []handlers.DependencyCheck{{Name: "database", Pinger: db}}
	if cfg.Redis.Addr != "" {
		redisCache, err := viewcache.NewRedis(ctx, viewcache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			log.Warn("Redis unavailable, map documents served from the database only", map[string]interface{}{
				"addr":  cfg.Redis.Addr,
				"error": err.Error(),
			})
		} else {
			defer redisCache.Close()
			cache = redisCache
			checks = append(checks, handlers.DependencyCheck{Name: "redis", Pinger: redisCache})
		}
	}

	// Optional Kafka catalog events
	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, clock)
		defer kafka.Close()
		publisher = kafka
		log.Info("Publishing catalog events", map[string]interface{}{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		})
	}

	// Initialize repository, catalog and service layers
	datasetRepo := repository.NewDatasetRepository(db)
	viewRepo := repository.NewViewRepository(db, clock)

	cat, err := catalog.New(catalog.Options{
		Root:      cfg.Data.Dir,
		Repo:      datasetRepo,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    log,
		Clock:     clock,
	})
	if err != nil {
		log.Fatal("Failed to open dataset catalog", err, map[string]interface{}{"dir": cfg.Data.Dir})
	}

	reportService := services.NewReportService(cat, viewRepo, cache, metrics, log, services.ReportConfig{
		ScratchDir: cfg.Data.ScratchDir,
		Workers:    cfg.Data.ReportWorkers,
		LandAreas:  cfg.Data.LandAreas,
		Fallback:   loadFallback(cfg.Data.DefaultMapPath, log),
	})
	datasetService := services.NewDatasetService(cat, cfg.Data.IngestWorkers, log)

	// Register bundles dropped into the data directory, now and periodically
	datasetService.Ingest(ctx)
	go cat.Watch(ctx, cfg.Data.IngestInterval, cfg.Data.IngestWorkers, nil)

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware in order: RequestID -> Logger -> Recovery -> Metrics -> CORS
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Metrics(metrics))
	router.Use(middleware.CORS(cfg.CORS.Origins))

	// Register health check routes
	healthHandler := handlers.NewHealthHandler(cfg.Server.Env, cat.ListDatasets, checks...)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/api/v1/info", healthHandler.Info)
	router.GET("/metrics", gin.WrapH(observability.Handler(registry)))

	// Initialize handlers
	reportHandler := handlers.NewReportHandler(reportService)
	datasetHandler := handlers.NewDatasetHandler(datasetService, cfg.Data.MaxUploadMB<<20)

	// Register API v1 routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/filters", reportHandler.Filters)
		v1.GET("/reports", reportHandler.Report)

		files := v1.Group("/files")
		{
			files.GET("", datasetHandler.Files)
			files.GET("/download", datasetHandler.Download)
			files.GET("/text", datasetHandler.Text)
			files.GET("/pdf", datasetHandler.PDF)
		}

		views := v1.Group("/views")
		{
			views.GET("/resolve", reportHandler.Resolve)
			views.GET("/:id/map", reportHandler.Map)
			views.GET("/:id/archive", reportHandler.Archive)
		}

		datasets := v1.Group("/datasets")
		{
			datasets.GET("", datasetHandler.List)
			datasets.POST("", datasetHandler.Upload)
			datasets.POST("/ingest", datasetHandler.Ingest)
			datasets.DELETE("/:name", datasetHandler.Remove)
		}
	}

	// Routes used by the original map frontend
	legacy := router.Group("/api")
	{
		legacy.GET("/list", reportHandler.Filters)
		legacy.GET("/data", reportHandler.Report)
		legacy.GET("/existing", reportHandler.Resolve)
		legacy.GET("/mapZip", reportHandler.Archive)
		legacy.GET("/download-files", datasetHandler.Download)
		legacy.GET("/get_text_file", datasetHandler.Text)
		legacy.POST("/get_text", datasetHandler.Text)
		legacy.POST("/get_pdf", datasetHandler.PDF)
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server listening", map[string]interface{}{
			"port": cfg.Server.Port,
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed to start", err, nil)
		}
	}()

	// Wait for interrupt signal (SIGINT or SIGTERM)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	log.Info("Shutting down server...", nil)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", err, map[string]interface{}{
			"timeout": shutdownTimeout.String(),
		})
	}

	log.Info("Server exited", nil)
}

// loadFallback reads the document served before a view has a rendered map.
// A missing file falls back to the built-in imagery-only map.
func loadFallback(path string, log *logger.Logger) []byte {
	if path == "" {
		return nil
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		log.Warn("Default map document unavailable, using built-in map", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return nil
	}
	return doc
}
