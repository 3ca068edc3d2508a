package rest

import (
	"net/http"

	"threatgraph/application/services"
	"threatgraph/interfaces/http/rest/handlers"
	"threatgraph/interfaces/http/rest/middleware"
	"threatgraph/pkg/auth"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Router creates and configures the HTTP router
type Router struct {
	importer      *services.ImportService
	exporter      *services.ExportService
	validator     *auth.JWTValidator
	enableCORS    bool
	ipRateLimit   int
	userRateLimit int
	logger        *zap.Logger
}

// NewRouter creates a new router instance
func NewRouter(
	importer *services.ImportService,
	exporter *services.ExportService,
	validator *auth.JWTValidator,
	enableCORS bool,
	ipRateLimit int,
	userRateLimit int,
	logger *zap.Logger,
) *Router {
	return &Router{
		importer:      importer,
		exporter:      exporter,
		validator:     validator,
		enableCORS:    enableCORS,
		ipRateLimit:   ipRateLimit,
		userRateLimit: userRateLimit,
		logger:        logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger))

	if rt.enableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"http://localhost:3000"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)

	router.Route("/api", func(r chi.Router) {
		if rt.validator != nil {
			r.Use(middleware.Authenticate(rt.validator, rt.ipRateLimit, rt.userRateLimit, rt.logger))
		}

		r.Route("/collection-bundles", func(r chi.Router) {
			bundleHandler := handlers.NewCollectionBundleHandler(rt.importer, rt.exporter, rt.logger)
			r.Post("/", bundleHandler.ImportBundle)
			r.Get("/", bundleHandler.ExportBundle)
		})
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck handles readiness check requests
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
