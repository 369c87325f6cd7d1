package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/auction-engine/internal/metrics"
)

// NewRouter builds the HTTP router with middleware, health and metrics
// endpoints, and the auction API under /api/v1.
func NewRouter(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(svc.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"auction-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1/auctions", func(r chi.Router) {
		// The WebSocket stays outside the request timeout.
		r.Get("/{auctionID}/ws", svc.WatchAuction)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/", svc.CreateAuction)
			r.Get("/{auctionID}", svc.GetAuction)
			r.Get("/{auctionID}/bids", svc.ListBids)
			r.Post("/{auctionID}/bids", svc.PlaceBid)
			r.Post("/{auctionID}/cancel", svc.CancelAuction)
		})
	})
	return r
}
