package main

import (
	"database/sql"
	"net/http"

	"github.com/rs/zerolog/log"

	"gitea.kood.tech/petrkubec/proximity/backend/ranking"
)

// Hobby is one catalog entry.
type Hobby struct {
	Code  string `json:"code" validate:"required,max=64"`
	Label string `json:"label" validate:"required,max=128"`
}

// GET /api/v1/hobbies
func hobbiesHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.QueryContext(r.Context(), `SELECT code, label FROM hobby_catalog ORDER BY code`)
		if err != nil {
			log.Error().Err(err).Msg("list hobbies")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		out := []Hobby{}
		for rows.Next() {
			var h Hobby
			if err := rows.Scan(&h.Code, &h.Label); err != nil {
				log.Error().Err(err).Msg("scan hobby")
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			out = append(out, h)
		}
		if err := rows.Err(); err != nil {
			log.Error().Err(err).Msg("list hobbies")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// hobbyUpsertRequest wraps the bare array body so it can be validated as a struct.
type hobbyUpsertRequest struct {
	Hobbies []Hobby `json:"hobbies" validate:"required,min=1,max=500,dive"`
}

// PUT /api/v1/admin/hobbies
func upsertHobbiesHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var list []Hobby
		if !decodeJSON(w, r, &list) {
			return
		}
		req := hobbyUpsertRequest{Hobbies: list}
		for i := range req.Hobbies {
			req.Hobbies[i].Code = ranking.NormalizeHobby(req.Hobbies[i].Code)
		}
		if !validateBody(w, &req) {
			return
		}

		err := withTx(r.Context(), db, func(tx *sql.Tx) error {
			for _, h := range req.Hobbies {
				if _, err := tx.ExecContext(r.Context(), `
					INSERT INTO hobby_catalog (code, label) VALUES ($1, $2)
					ON CONFLICT (code) DO UPDATE SET label = EXCLUDED.label
				`, h.Code, h.Label); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).Msg("upsert hobbies")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		log.Info().Int("count", len(req.Hobbies)).Msg("hobby catalog updated")
		writeJSON(w, http.StatusOK, map[string]int{"upserted": len(req.Hobbies)})
	}
}
