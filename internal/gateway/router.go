// ABOUTME: HTTP route table and middleware chain for the gateway
// ABOUTME: Public webhook and media routes, JWT-protected message API, websocket and metrics

package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/chatline/internal/auth"
	"github.com/2389/chatline/internal/metrics"
)

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	if g.config.Metrics.Enabled {
		// First, to capture every request.
		r.Use(metrics.Middleware)
	}
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(chimw.Recoverer)

	origins := g.config.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	// Provider-facing
	r.Get("/webhook", g.receiver.HandleVerify)
	r.Post("/webhook", g.receiver.HandleDeliveryHTTP)
	r.Get("/uploads/{name}", g.handleUpload)

	r.Get("/api/messages/download/{name}", g.handleDownload)

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.verifier))
		r.Post("/api/messages/send", g.handleSend)
		r.Get("/api/messages", g.handleListMessages)
		r.Get("/api/messages/transcript", g.handleTranscript)
		r.Get("/api/contacts", g.handleContacts)
	})

	r.With(auth.QueryAuthMiddleware(g.verifier)).Get("/ws", g.hub.ServeHTTP)

	return r
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"latency", time.Since(start),
					"request_id", chimw.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
