// Package api exposes the game engine over HTTP and WebSocket.
//
// Every /api/v1 route except /ws requires a bearer JWT whose subject is the
// calling player's id. Catalog mutations and round control additionally
// require the admin role.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tradegame/market-engine/internal/engine"
	"github.com/tradegame/market-engine/internal/metrics"
)

// Options configures a Server.
type Options struct {
	// JWTSecret verifies HS256 bearer tokens.
	JWTSecret []byte
	// TradeRate is the sustained per-player trade rate in requests per
	// second. Zero disables throttling.
	TradeRate  float64
	TradeBurst int
	Logger     *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	engine   *engine.Engine
	hub      *WSHub
	secret   []byte
	throttle *throttle
	log      *slog.Logger
	mux      *chi.Mux
}

// New creates a Server. Pass nil for hub if WebSocket broadcasting is not
// needed.
func New(eng *engine.Engine, hub *WSHub, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:   eng,
		hub:      hub,
		secret:   opts.JWTSecret,
		throttle: newThrottle(opts.TradeRate, opts.TradeBurst),
		log:      logger,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/players", s.handleRegisterPlayer)
			r.Get("/players/{playerID}", s.handleGetPlayer)
			r.Delete("/players/{playerID}", s.handleDeletePlayer)

			r.Get("/me", s.handleMe)
			r.Get("/me/holdings", s.handleMyHoldings)
			r.Get("/me/sales", s.handleMySales)
			r.Get("/me/results", s.handleMyResults)
			r.Get("/me/round", s.handleMyRound)

			r.Get("/assets", s.handleListAssets)
			r.Get("/assets/{assetID}", s.handleGetAsset)
			r.Post("/assets/{assetID}/buy", s.handleBuy)
			r.Post("/assets/{assetID}/sell", s.handleSell)

			r.Get("/events", s.handleListEvents)
			r.Get("/events/{eventID}", s.handleGetEvent)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)

				r.Get("/players", s.handleListPlayers)

				r.Post("/assets", s.handleCreateAsset)
				r.Put("/assets/{assetID}", s.handleUpdateAsset)
				r.Delete("/assets/{assetID}", s.handleDeleteAsset)

				r.Post("/events", s.handleCreateEvent)
				r.Put("/events/{eventID}", s.handleUpdateEvent)
				r.Delete("/events/{eventID}", s.handleDeleteEvent)
				r.Put("/events/{eventID}/impacts", s.handleSetEventImpact)

				r.Post("/rounds/advance", s.handleAdvanceRound)
				r.Post("/rounds/settle", s.handleSettle)
			})
		})
	})
}

// cors allows cross-origin requests from the game frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
