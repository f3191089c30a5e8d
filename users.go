package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func loadUser(ctx context.Context, db *sql.DB, id uuid.UUID) (userRow, error) {
	u, err := scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return userRow{}, errNotFound
	}
	if err != nil {
		return userRow{}, fmt.Errorf("load user %s: %w", id, err)
	}
	return u, nil
}

// loadCandidatePool returns the discoverable users `me` may be matched with, newest first.
// Friends, users with a pending request in either direction and dismissed users are left out.
func loadCandidatePool(ctx context.Context, db *sql.DB, me uuid.UUID, limit int) ([]userRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		WHERE u.discoverable = TRUE
		  AND u.id <> $1
		  AND NOT EXISTS (
		      SELECT 1 FROM friendships f
		      WHERE f.user_id = $1 AND f.friend_id = u.id
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM friend_requests fr
		      WHERE fr.status = 'pending'
		        AND ((fr.requester_id = $1 AND fr.addressee_id = u.id)
		          OR (fr.requester_id = u.id AND fr.addressee_id = $1))
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM dismissed_matches d
		      WHERE d.user_id = $1 AND d.dismissed_user_id = u.id
		  )
		ORDER BY u.created_at DESC, u.id
		LIMIT $2
	`, me, limit)
	if err != nil {
		return nil, fmt.Errorf("query candidate pool: %w", err)
	}
	defer rows.Close()

	var pool []userRow
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		pool = append(pool, u)
	}
	return pool, rows.Err()
}

// canView reports whether `me` may read target's public profile: self, discoverable
// users, friends, and anyone with a pending request involving `me`.
func canView(ctx context.Context, db *sql.DB, me uuid.UUID, target userRow) (bool, error) {
	if me == target.ID || target.Discoverable {
		return true, nil
	}
	var related bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM friendships WHERE user_id = $1 AND friend_id = $2
		) OR EXISTS (
			SELECT 1 FROM friend_requests
			WHERE status = 'pending'
			  AND ((requester_id = $1 AND addressee_id = $2) OR (requester_id = $2 AND addressee_id = $1))
		)
	`, me, target.ID).Scan(&related)
	return related, err
}

// GET /api/v1/users/{userID}
func userHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID, ok := uuidParam(w, r, "userID")
		if !ok {
			return
		}
		me := currentUserID(r)

		target, err := loadUser(r.Context(), db, targetID)
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			log.Error().Err(err).Msg("load user")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		allowed, err := canView(r.Context(), db, me, target)
		if err != nil {
			log.Error().Err(err).Msg("check user visibility")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if !allowed {
			// Hidden users are indistinguishable from missing ones
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		hobbies, err := loadersFrom(r.Context(), db).Hobbies.Load(r.Context(), targetID)()
		if err != nil {
			log.Error().Err(err).Msg("load hobbies")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, target.public(hobbies))
	}
}
