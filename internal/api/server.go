package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/PairTraceDev/pairtrace-web/internal/db"
	"github.com/PairTraceDev/pairtrace-web/internal/ingest"
	"github.com/PairTraceDev/pairtrace-web/internal/logger"
	"github.com/PairTraceDev/pairtrace-web/internal/ratelimit"
	"github.com/PairTraceDev/pairtrace-web/internal/reports"
	"github.com/PairTraceDev/pairtrace-web/internal/storage"
)

// Server holds dependencies for API handlers
type Server struct {
	db             *db.DB
	storage        *storage.S3Storage
	reports        *reports.Store
	pipeline       *ingest.Pipeline
	limiter        ratelimit.RateLimiter
	ingestToken    string
	allowedOrigins []string
	version        string
}

// Config carries the server's wiring options. Storage and limiter are
// optional; IngestToken empty disables auth.
type Config struct {
	Storage        *storage.S3Storage
	Limiter        ratelimit.RateLimiter
	IngestToken    string
	AllowedOrigins []string
	Version        string
}

// NewServer creates a new API server
func NewServer(database *db.DB, cfg Config) *Server {
	return &Server{
		db:             database,
		storage:        cfg.Storage,
		reports:        reports.NewStore(database.Conn()),
		pipeline:       ingest.NewPipeline(database, snapshotArchiver(cfg.Storage)),
		limiter:        cfg.Limiter,
		ingestToken:    cfg.IngestToken,
		allowedOrigins: cfg.AllowedOrigins,
		version:        cfg.Version,
	}
}

// snapshotArchiver avoids a typed-nil interface when storage is disabled.
func snapshotArchiver(s *storage.S3Storage) ingest.SnapshotArchiver {
	if s == nil {
		return nil
	}
	return s
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware)
	r.Use(SpanEnricher)
	r.Use(middleware.Recoverer)

	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Encoding"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Health check
	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleRoot)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireIngestToken)

		r.Group(func(r chi.Router) {
			r.Use(decompressMiddleware())
			if s.limiter != nil {
				r.Use(ratelimit.Middleware(s.limiter))
			}
			r.Post("/analytics/events", s.handleIngestEvents)
		})

		r.Get("/analytics/summary", s.handleGetSummary)
		r.Get("/analytics/users/{email}", s.handleGetUserActivity)
		r.Get("/analytics/pair-sessions/stats", s.handleGetPairStats)
		r.Get("/analytics/pair-sessions/{pairSessionID}", s.handleGetPairSession)
		r.Get("/analytics/pair-sessions/{pairSessionID}/timeline", s.handleGetTimeline)
		r.Get("/analytics/conversations/{conversationID}", s.handleGetConversation)
	})

	return r
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleRoot returns API info
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "pairtrace-backend",
		"version": s.version,
	})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
