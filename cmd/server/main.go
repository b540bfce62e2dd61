package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blueprint-labs/blueprint-api/internal/appstore"
	"github.com/blueprint-labs/blueprint-api/internal/config"
	"github.com/blueprint-labs/blueprint-api/internal/llm"
	"github.com/blueprint-labs/blueprint-api/internal/logger"
	"github.com/blueprint-labs/blueprint-api/internal/research"
	"github.com/blueprint-labs/blueprint-api/internal/scraper"
	"github.com/blueprint-labs/blueprint-api/internal/search"
	"github.com/blueprint-labs/blueprint-api/internal/storage/pg"
	"github.com/blueprint-labs/blueprint-api/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

func main() {
	config.LoadConfig()

	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	gin.SetMode(config.AppConfig.GinMode)

	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.DB.Close()

	sessionStore := store.New(log, db.DB)
	researchCfg := config.AppConfig.Research

	generator := llm.NewClient(log, researchCfg, sessionStore)
	searcher := search.NewService(log, config.AppConfig.TavilyAPIKey, config.AppConfig.SerperAPIKey)
	stores := appstore.NewService(log, config.AppConfig.SerpAPIKey)
	fetcher := scraper.New(log, config.AppConfig.JinaAPIKey)

	service := research.NewService(log, generator, searcher, stores, fetcher, sessionStore, researchCfg)
	handler := research.NewHandler(service, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware(config.AppConfig.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.RegisterRoutes(router)

	// Evidence caches expire lazily on read; the nightly purge keeps the
	// tables from accumulating rows nobody will read again.
	purger := cron.New()
	if _, err := purger.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := sessionStore.PurgeExpiredCaches(ctx, researchCfg.ProductCacheTTL(), researchCfg.AlternativesCacheTTL()); err != nil {
			log.Error("cache purge failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		log.Error("failed to schedule cache purge", slog.String("error", err.Error()))
		os.Exit(1)
	}
	purger.Start()
	defer purger.Stop()

	addr := ":" + config.AppConfig.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info("blueprint api listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server exited")
}

// requestIDMiddleware threads a request id through the context so every log
// line from one request correlates.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	origins := strings.Split(allowedOrigins, ",")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, allowed := range origins {
			allowed = strings.TrimSpace(allowed)
			if allowed == "*" || allowed == origin {
				c.Header("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
