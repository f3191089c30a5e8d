package main

import (
	"database/sql"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gitea.kood.tech/petrkubec/proximity/backend/ranking"
)

// MatchItem is one entry of GET /api/v1/matches.
type MatchItem struct {
	User    UserPublic          `json:"user"`
	Signals ranking.MatchSignal `json:"signals"`
}

// parseMaxDistance reads the optional maxDistanceKm override. Any float is passed
// through; the ranker treats negative and non-finite limits as "no limit".
func parseMaxDistance(r *http.Request) (*float64, bool) {
	raw := r.URL.Query().Get("maxDistanceKm")
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil && !math.IsInf(v, 0) {
		return nil, false
	}
	return &v, true
}

// GET /api/v1/matches
func matchesHandler(db *sql.DB, cfg MatchesConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		me := currentUserID(r)

		limit, offset, ok := pageParams(r, cfg.DefaultLimit)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_pagination")
			return
		}
		maxDistance, ok := parseMaxDistance(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_max_distance")
			return
		}

		requester, err := loadUser(ctx, db, me)
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		} else if err != nil {
			log.Error().Err(err).Msg("load requester")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		pool, err := loadCandidatePool(ctx, db, me, cfg.PoolLimit)
		if err != nil {
			log.Error().Err(err).Str("user_id", me.String()).Msg("load candidate pool")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		ids := make([]uuid.UUID, 0, len(pool)+1)
		ids = append(ids, me)
		for _, u := range pool {
			ids = append(ids, u.ID)
		}
		hobbies, err := fetchHobbies(ctx, db, ids)
		if err != nil {
			log.Error().Err(err).Msg("load hobbies")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		byID := make(map[string]userRow, len(pool))
		profiles := make([]ranking.Profile, len(pool))
		for i, u := range pool {
			byID[u.ID.String()] = u
			profiles[i] = u.rankingProfile(hobbies[u.ID])
		}

		start := time.Now()
		ranked := ranking.Rank(requester.rankingProfile(hobbies[me]), profiles, ranking.Options{
			HobbyFilter:   r.URL.Query().Get("hobby"),
			MaxDistanceKm: maxDistance,
		})
		observeRanking(len(pool), len(ranked), time.Since(start))

		page := paginate(ranked, limit, offset)
		items := make([]MatchItem, len(page))
		for i, c := range page {
			u := byID[c.Profile.ID]
			items[i] = MatchItem{User: u.public(c.Profile.Hobbies), Signals: c.Signal}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// POST /api/v1/matches/{userID}/dismiss
func dismissMatchHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID, ok := uuidParam(w, r, "userID")
		if !ok {
			return
		}
		me := currentUserID(r)
		if targetID == me {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var exists bool
		if err := db.QueryRowContext(r.Context(),
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, targetID).Scan(&exists); err != nil {
			log.Error().Err(err).Msg("check dismiss target")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		if _, err := db.ExecContext(r.Context(),
			`INSERT INTO dismissed_matches (user_id, dismissed_user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			me, targetID); err != nil {
			log.Error().Err(err).Msg("insert dismissal")
			writeError(w, http.StatusInternalServerError, "dismiss_error")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]bool{"dismissed": true})
	}
}
