package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PairTraceDev/pairtrace-web/internal/api"
	"github.com/PairTraceDev/pairtrace-web/internal/db"
	"github.com/PairTraceDev/pairtrace-web/internal/logger"
	"github.com/PairTraceDev/pairtrace-web/internal/ratelimit"
	"github.com/PairTraceDev/pairtrace-web/internal/storage"
)

var version string

func main() {
	// Start pprof debug server if enabled (for memory/CPU profiling)
	if os.Getenv("ENABLE_PPROF") == "true" {
		go startPprofServer()
	}

	// Initialize OpenTelemetry (sends traces to Honeycomb)
	// Configured via env vars: OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_HEADERS
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry", "error", err)
		// Non-fatal: continue without tracing if OTEL env vars not set
	} else {
		defer otelShutdown()
	}

	// Load configuration from environment
	config := loadConfig()

	// Initialize database connection
	// Note: Migrations are run separately via CLI before starting the server
	// See: migrate -database "$DATABASE_URL" -path internal/db/migrations up
	database, err := db.Connect(config.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	// Initialize S3/MinIO snapshot archive (optional)
	var store *storage.S3Storage
	if config.S3Config.Endpoint != "" {
		store, err = storage.NewS3Storage(config.S3Config)
		if err != nil {
			logger.Fatal("failed to initialize storage", "error", err)
		}
		logger.Info("snapshot archive enabled", "bucket", config.S3Config.BucketName)
	} else {
		logger.Info("snapshot archive disabled (S3_ENDPOINT not set)")
	}

	// Per-IP rate limiter for the ingestion endpoint
	limiter := ratelimit.NewInMemoryRateLimiter(config.IngestRateLimit, config.IngestRateBurst)
	defer limiter.Stop()

	// Create API server
	server := api.NewServer(database, api.Config{
		Storage:        store,
		Limiter:        limiter,
		IngestToken:    config.IngestToken,
		AllowedOrigins: config.AllowedOrigins,
		Version:        version,
	})
	router := server.SetupRoutes()

	// Wrap router with OpenTelemetry HTTP instrumentation
	handler := otelhttp.NewHandler(router, "pairtrace-backend")

	// HTTP server configuration
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,  // Configurable via HTTP_READ_TIMEOUT (default: 30s)
		WriteTimeout: config.WriteTimeout, // Configurable via HTTP_WRITE_TIMEOUT (default: 30s)
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", config.Port, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

type Config struct {
	Port            int
	DatabaseURL     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	S3Config        storage.S3Config
	IngestToken     string
	IngestRateLimit float64
	IngestRateBurst int
	AllowedOrigins  []string
}

func loadConfig() Config {
	port := envInt("PORT", 8080)
	readTimeout := envDuration("HTTP_READ_TIMEOUT", 30*time.Second)
	writeTimeout := envDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("missing required env var", "var", "DATABASE_URL")
	}

	// S3/storage configuration (optional: snapshot archiving is skipped
	// when S3_ENDPOINT is unset)
	s3Config := storage.S3Config{
		Endpoint:        os.Getenv("S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		BucketName:      os.Getenv("BUCKET_NAME"),
		UseSSL:          os.Getenv("S3_USE_SSL") != "false", // Default true
	}
	if s3Config.Endpoint != "" {
		if s3Config.AccessKeyID == "" {
			logger.Fatal("missing required env var", "var", "AWS_ACCESS_KEY_ID")
		}
		if s3Config.SecretAccessKey == "" {
			logger.Fatal("missing required env var", "var", "AWS_SECRET_ACCESS_KEY")
		}
		if s3Config.BucketName == "" {
			logger.Fatal("missing required env var", "var", "BUCKET_NAME")
		}
	}

	// Shared bearer token for the API; empty disables authentication
	ingestToken := os.Getenv("INGEST_TOKEN")
	if ingestToken == "" {
		logger.Warn("INGEST_TOKEN not set, API is unauthenticated")
	}

	// Ingestion rate limit (requests per second per client IP)
	ingestRateLimit := envFloat("INGEST_RATE_LIMIT", 10.0)
	ingestRateBurst := envInt("INGEST_RATE_BURST", 20)

	// CORS origins (optional; empty disables the CORS middleware)
	var allowedOrigins []string
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				allowedOrigins = append(allowedOrigins, trimmed)
			}
		}
	}

	return Config{
		Port:            port,
		DatabaseURL:     databaseURL,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		S3Config:        s3Config,
		IngestToken:     ingestToken,
		IngestRateLimit: ingestRateLimit,
		IngestRateBurst: ingestRateBurst,
		AllowedOrigins:  allowedOrigins,
	}
}

func envInt(name string, fallback int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if s := os.Getenv(name); s != "" {
		if v, err := time.ParseDuration(s); err == nil {
			return v
		}
	}
	return fallback
}

// startPprofServer starts a pprof debug server on localhost:6060.
// Only accessible locally; use a port-forward for remote debugging.
func startPprofServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))

	addr := "127.0.0.1:6060"
	logger.Info("pprof debug server starting", "addr", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("pprof server failed", "error", err)
	}
}
