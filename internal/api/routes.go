package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/mailpipe/internal/pkg/httputil"
)

// SetupRoutes builds the dispatch API router. Every route under /api
// requires a Bearer API key; /healthz does not.
func SetupRoutes(h *Handlers, apiKeys []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAPIKey(apiKeys))
		r.Post("/dispatch", h.HandleDispatch)
	})

	return r
}

// requireAPIKey rejects requests without a valid Bearer token. Comparison
// is constant-time per key.
func requireAPIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if len(keys) == 0 {
				httputil.Unauthorized(w, "api keys not configured")
				return
			}
			header := req.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httputil.Unauthorized(w, "missing bearer token")
				return
			}
			for _, key := range keys {
				if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
					next.ServeHTTP(w, req)
					return
				}
			}
			httputil.Unauthorized(w, "invalid api key")
		})
	}
}
