package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"studymate-backend/internal/handlers"
	"studymate-backend/internal/metrics"
	"studymate-backend/internal/middleware"
	"studymate-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	realtimeHandler *handlers.RealtimeHandler,
	wsHandler *websocket.Handler,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Command & Query Surface ────
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Use(httprate.LimitByIP(300, time.Minute))

			r.Post("/commands", realtimeHandler.Dispatch)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", realtimeHandler.Active)
				r.Post("/start", realtimeHandler.Start)
				r.Get("/{id}", realtimeHandler.Status)
				r.Post("/{id}/end", realtimeHandler.End)
				r.Post("/{id}/progress", realtimeHandler.Progress)
				r.Post("/{id}/events", realtimeHandler.SubmitEvent)
			})

			r.Route("/analytics", func(r chi.Router) {
				r.Get("/dashboard", realtimeHandler.Dashboard)
			})
		})

		// ──── Admin Surface ────
		r.Route("/admin", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Use(middleware.RequireAdmin)
			r.Get("/streaming-status", realtimeHandler.StreamingStatus)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHandler.Serve)
	})

	return r
}
