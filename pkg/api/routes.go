package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/live-logs", s.handleLiveLogs)

			r.Group(func(r chi.Router) {
				if s.cfg.Server.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware(
						s.cfg.Server.RateLimit.RequestsPerMinute,
					))
				}

				if s.cfg.Auth.Basic.Enabled {
					r.Use(s.requireBasicAuth)
				}

				r.Post("/start", s.handleStartRun)
			})

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/logs", s.handleRunLogs)
				r.Get("/logs/stream", s.handleRunLogStream)
				r.Get("/stats", s.handleRunStats)

				r.Group(func(r chi.Router) {
					if s.cfg.Auth.Basic.Enabled {
						r.Use(s.requireBasicAuth)
					}

					r.Post("/cancel", s.handleCancelRun)
				})
			})
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/summary", s.handleReportSummary)
			r.Get("/pass-rate", s.handlePassRateTrend)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{"Not Found"})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{"Method Not Allowed"})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Cache-Control"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
