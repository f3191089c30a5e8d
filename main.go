package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/log"
)

func newRouter(db *sql.DB, cfg *Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument)
	r.Use(withCORS(cfg.Server.CORSOrigins))
	if cfg.Server.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(cfg.Server.RateLimitPerMinute, time.Minute))
	}

	// Health check endpoint for Docker
	r.Get("/health", healthHandler(db))
	r.Method(http.MethodGet, "/metrics", metricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/hobbies", hobbiesHandler(db))

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin(cfg.Auth.AdminKeyHash))
			r.Put("/admin/hobbies", upsertHobbiesHandler(db))
			r.Post("/admin/group-matches/generate", generateGroupMatchesHandler(db))
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticate(db, cfg.Auth))
			r.Use(dataLoaderMiddleware(db))

			r.Get("/me/profile", myProfileHandler(db))
			r.Patch("/me/profile", updateProfileHandler(db))
			r.Get("/me/restaurant-ratings", myRatingsHandler(db))

			r.Get("/users/{userID}", userHandler(db))

			// Matches & friends
			r.Get("/matches", matchesHandler(db, cfg.Matches))
			r.Post("/matches/{userID}/dismiss", dismissMatchHandler(db))

			r.Get("/friends", friendsHandler(db))
			r.Get("/friends/requests/incoming", pendingRequestsHandler(db, true))
			r.Get("/friends/requests/outgoing", pendingRequestsHandler(db, false))
			// {id} is a user id when sending and a request id for the actions
			r.Post("/friends/requests/{id}", sendFriendRequestHandler(db))
			r.Post("/friends/requests/{id}/accept", friendRequestActionHandler(db, statusAccepted))
			r.Post("/friends/requests/{id}/decline", friendRequestActionHandler(db, statusDeclined))
			r.Post("/friends/requests/{id}/cancel", friendRequestActionHandler(db, statusCancelled))

			r.Get("/group-matches", groupMatchesHandler(db))
			r.Get("/group-matches/{groupID}", groupMatchHandler(db))
			r.Post("/group-matches/{groupID}/accept", groupMemberActionHandler(db, memberAccepted))
			r.Post("/group-matches/{groupID}/decline", groupMemberActionHandler(db, memberDeclined))
			r.Post("/group-matches/{groupID}/leave", groupMemberActionHandler(db, memberLeft))

			r.Get("/restaurants", restaurantsHandler(db))
			r.Put("/restaurants/{restaurantID}/rating", rateRestaurantHandler(db))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "invalid_method")
	})
	return r
}

func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		initLogging(LogConfig{Level: "info"}, nil)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	initLogging(cfg.Log, nil)

	db, err := openDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := migrateDB(db); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(db, cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("env", cfg.Env).Msg("starting Proximity backend")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
