package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"gitea.kood.tech/petrkubec/proximity/backend/ranking"
)

const maxDistancePreferenceKm = 20000

var errUnknownHobby = errors.New("unknown hobby")

type profilePrefs struct {
	MaxDistanceKm float64 `json:"maxDistanceKm"`
}

// ProfileResponse is the caller's own profile.
type ProfileResponse struct {
	ID           uuid.UUID            `json:"id"`
	Email        string               `json:"email"`
	DisplayName  *string              `json:"display_name"`
	Neighborhood *string              `json:"neighborhood"`
	Hobbies      []string             `json:"hobbies"`
	Location     *ranking.Coordinates `json:"location"`
	Prefs        profilePrefs         `json:"prefs"`
	Discoverable bool                 `json:"discoverable"`
}

func (u userRow) profile(hobbies []string) ProfileResponse {
	if hobbies == nil {
		hobbies = []string{}
	}
	return ProfileResponse{
		ID:           u.ID,
		Email:        u.Email,
		DisplayName:  nullString(u.DisplayName),
		Neighborhood: nullString(u.Neighborhood),
		Hobbies:      hobbies,
		Location:     u.geoPoint().Coordinates(),
		Prefs:        profilePrefs{MaxDistanceKm: u.MaxDistanceKm},
		Discoverable: u.Discoverable,
	}
}

type prefsPatch struct {
	MaxDistanceKm *float64 `json:"maxDistanceKm" validate:"omitempty,gte=0,lte=20000"`
}

// profilePatch carries PATCH /me/profile. Absent fields stay unchanged.
type profilePatch struct {
	DisplayName  *string         `json:"display_name" validate:"omitempty,max=32"`
	Neighborhood *string         `json:"neighborhood" validate:"omitempty,max=255"`
	Hobbies      *[]string       `json:"hobbies" validate:"omitempty,max=20,dive,required,max=64"`
	Location     json.RawMessage `json:"location" validate:"-"`
	Prefs        *prefsPatch     `json:"prefs"`
	Discoverable *bool           `json:"discoverable"`
}

// locationChange interprets the raw location member: absent leaves it alone,
// null clears it, anything else must be a complete valid point in either shape.
func (p profilePatch) locationChange() (set bool, c *ranking.Coordinates, err error) {
	raw := bytes.TrimSpace(p.Location)
	if len(raw) == 0 {
		return false, nil, nil
	}
	if bytes.Equal(raw, []byte("null")) {
		return true, nil, nil
	}
	var g ranking.GeoPoint
	if err := json.Unmarshal(raw, &g); err != nil {
		return false, nil, err
	}
	c = g.Coordinates()
	if c == nil {
		return false, nil, errors.New("incomplete or out of range location")
	}
	return true, c, nil
}

// trimmedOrNull stores blank strings as NULL.
func trimmedOrNull(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func loadProfile(ctx context.Context, db *sql.DB, id uuid.UUID) (ProfileResponse, error) {
	u, err := loadUser(ctx, db, id)
	if err != nil {
		return ProfileResponse{}, err
	}
	hobbies, err := loadersFrom(ctx, db).Hobbies.Load(ctx, id)()
	if err != nil {
		return ProfileResponse{}, fmt.Errorf("load hobbies: %w", err)
	}
	return u.profile(hobbies), nil
}

// GET /api/v1/me/profile
func myProfileHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := loadProfile(r.Context(), db, currentUserID(r))
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			log.Error().Err(err).Msg("load profile")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// PATCH /api/v1/me/profile
func updateProfileHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch profilePatch
		if !decodeJSON(w, r, &patch) {
			return
		}
		if !validateBody(w, &patch) {
			return
		}
		setLocation, loc, err := patch.locationChange()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_location")
			return
		}

		me := currentUserID(r)
		err = withTx(r.Context(), db, func(tx *sql.Tx) error {
			if err := updateUserColumns(r.Context(), tx, me, patch, setLocation, loc); err != nil {
				return err
			}
			if patch.Hobbies != nil {
				return replaceHobbies(r.Context(), tx, me, ranking.NormalizeHobbies(*patch.Hobbies))
			}
			return nil
		})
		switch {
		case errors.Is(err, errUnknownHobby):
			writeError(w, http.StatusBadRequest, "unknown_hobby")
			return
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "not_found")
			return
		case err != nil:
			log.Error().Err(err).Msg("update profile")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		// Fresh loaders: the request-scoped cache may hold pre-update hobbies
		p, err := loadProfile(WithDataLoaders(r.Context(), NewDataLoaders(db)), db, me)
		if err != nil {
			log.Error().Err(err).Msg("reload profile")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func updateUserColumns(ctx context.Context, tx *sql.Tx, id uuid.UUID, p profilePatch, setLocation bool, loc *ranking.Coordinates) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	add := func(column string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.DisplayName != nil {
		add("display_name", trimmedOrNull(*p.DisplayName))
	}
	if p.Neighborhood != nil {
		add("neighborhood", trimmedOrNull(*p.Neighborhood))
	}
	if setLocation {
		var lat, lng sql.NullFloat64
		if loc != nil {
			lat = sql.NullFloat64{Float64: loc.Latitude, Valid: true}
			lng = sql.NullFloat64{Float64: loc.Longitude, Valid: true}
		}
		add("location_lat", lat)
		add("location_lng", lng)
	}
	if p.Prefs != nil && p.Prefs.MaxDistanceKm != nil {
		add("max_distance_km", *p.Prefs.MaxDistanceKm)
	}
	if p.Discoverable != nil {
		add("discoverable", *p.Discoverable)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound
	}
	return nil
}

// replaceHobbies swaps the user's hobby set for codes, which must all exist in the catalog.
func replaceHobbies(ctx context.Context, tx *sql.Tx, userID uuid.UUID, codes []string) error {
	hobbyIDs := make([]int64, 0, len(codes))
	if len(codes) > 0 {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM hobby_catalog WHERE code = ANY($1)`, pq.Array(codes))
		if err != nil {
			return fmt.Errorf("resolve hobbies: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan hobby id: %w", err)
			}
			hobbyIDs = append(hobbyIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("resolve hobbies: %w", err)
		}
		if len(hobbyIDs) != len(codes) {
			return errUnknownHobby
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_hobbies WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear hobbies: %w", err)
	}
	if len(hobbyIDs) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_hobbies (user_id, hobby_id) SELECT $1, unnest($2::int[])`,
		userID, pq.Array(hobbyIDs)); err != nil {
		return fmt.Errorf("insert hobbies: %w", err)
	}
	return nil
}
