package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/config"
	"github.com/tabletrack/api/internal/handler"
	"github.com/tabletrack/api/internal/logging"
	"github.com/tabletrack/api/internal/metrics"
	mw "github.com/tabletrack/api/internal/middleware"
	"github.com/tabletrack/api/internal/service"
	"github.com/tabletrack/api/internal/ws"
)

// New creates a Chi router with all application routes wired up.
// limiter may be nil, in which case order intake is not rate limited.
func New(cfg *config.Config, orders *service.OrderService, hub *ws.Hub, limiter *mw.RateLimiter, log logrus.FieldLogger) chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		subs := hub.Registry()
		broadcast, tracking := subs.Counts()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"subscribers": map[string]int{
				"total":     subs.Len(),
				"dashboard": broadcast,
				"tracking":  tracking,
			},
		})
	})
	r.Handle("/metrics", metrics.Handler())

	cartHandler := handler.NewCartHandler(orders.DeliveryFee(), log)
	r.Route("/cart", cartHandler.RegisterRoutes)

	// WebSocket routes (handle auth internally via query param)
	orderHandler := handler.NewOrderHandler(orders, log)
	authorize := handler.TrackAuthorizer(orders)
	r.Get("/ws/orders", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeStaff(hub, cfg.JWTSecret, w, r)
	})
	r.Get("/ws/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeTracking(hub, cfg.JWTSecret, authorize, w, r)
	})

	// Protected routes (require authentication)
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))

		var intake []func(http.Handler) http.Handler
		if limiter != nil {
			intake = append(intake, limiter.Handler)
		}
		r.Route("/orders", func(r chi.Router) {
			orderHandler.RegisterRoutes(r, intake...)
		})
	})

	log.WithField("component", "router").Debug("router initialized")
	return r
}
