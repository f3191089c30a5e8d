package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gitea.kood.tech/petrkubec/proximity/backend/ranking"
)

const defaultRestaurantLimit = 50

// Restaurant is a restaurants row, with distance_km set when the search had an origin.
type Restaurant struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Cuisine    *string   `json:"cuisine"`
	Address    *string   `json:"address"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	CreatedAt  time.Time `json:"created_at"`
	DistanceKm *float64  `json:"distance_km,omitempty"`
}

func (r Restaurant) coordinates() *ranking.Coordinates {
	return ranking.GeoPoint{Latitude: r.Latitude, Longitude: r.Longitude}.Coordinates()
}

const restaurantColumns = `r.id, r.name, r.cuisine, r.address, r.latitude, r.longitude, r.created_at`

func scanRestaurant(s rowScanner, extra ...interface{}) (Restaurant, error) {
	var (
		rest             Restaurant
		cuisine, address sql.NullString
		lat, lng         sql.NullFloat64
	)
	dest := []interface{}{&rest.ID, &rest.Name, &cuisine, &address, &lat, &lng, &rest.CreatedAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return Restaurant{}, err
	}
	rest.Cuisine = nullString(cuisine)
	rest.Address = nullString(address)
	if lat.Valid {
		rest.Latitude = &lat.Float64
	}
	if lng.Valid {
		rest.Longitude = &lng.Float64
	}
	return rest, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// parseOrigin returns the search origin when both lat and lng are present and valid.
func parseOrigin(r *http.Request) *ranking.Coordinates {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	c := ranking.Coordinates{Latitude: lat, Longitude: lng}
	if !c.Valid() {
		return nil
	}
	return &c
}

// sortRestaurants orders by distance from origin with unknown locations last,
// or by name when there is no origin. Equal keys keep their input order.
func sortRestaurants(list []Restaurant, origin *ranking.Coordinates) {
	if origin == nil {
		sort.SliceStable(list, func(i, j int) bool {
			return strings.ToLower(list[i].Name) < strings.ToLower(list[j].Name)
		})
		return
	}
	for i := range list {
		if c := list[i].coordinates(); c != nil {
			d := ranking.DistanceKm(*origin, *c)
			list[i].DistanceKm = &d
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].DistanceKm, list[j].DistanceKm
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}

func searchRestaurants(ctx context.Context, db *sql.DB, q string) ([]Restaurant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+restaurantColumns+`
		FROM restaurants r
		WHERE $1 = ''
		   OR (r.name || ' ' || COALESCE(r.cuisine, '') || ' ' || COALESCE(r.address, ''))
		      ILIKE '%' || $1 || '%'
		ORDER BY r.id
	`, likeEscaper.Replace(strings.TrimSpace(q)))
	if err != nil {
		return nil, fmt.Errorf("search restaurants: %w", err)
	}
	defer rows.Close()

	out := []Restaurant{}
	for rows.Next() {
		rest, err := scanRestaurant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan restaurant: %w", err)
		}
		out = append(out, rest)
	}
	return out, rows.Err()
}

// GET /api/v1/restaurants
func restaurantsHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, ok := pageParams(r, defaultRestaurantLimit)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_pagination")
			return
		}
		list, err := searchRestaurants(r.Context(), db, r.URL.Query().Get("q"))
		if err != nil {
			log.Error().Err(err).Msg("search restaurants")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		sortRestaurants(list, parseOrigin(r))
		writeJSON(w, http.StatusOK, paginate(list, limit, offset))
	}
}

// RestaurantRating is one user's rating of one restaurant.
type RestaurantRating struct {
	ID           uuid.UUID   `json:"id"`
	UserID       uuid.UUID   `json:"user_id"`
	RestaurantID int         `json:"restaurant_id"`
	Rating       int         `json:"rating"`
	Visited      bool        `json:"visited"`
	WouldReturn  *bool       `json:"would_return"`
	Notes        *string     `json:"notes"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Restaurant   *Restaurant `json:"restaurant,omitempty"`
}

const ratingColumns = `rr.id, rr.user_id, rr.restaurant_id, rr.rating, rr.visited, rr.would_return,
	rr.notes, rr.created_at, rr.updated_at`

func scanRating(s rowScanner, extra ...interface{}) (RestaurantRating, error) {
	var (
		rt          RestaurantRating
		wouldReturn sql.NullBool
		notes       sql.NullString
	)
	dest := []interface{}{&rt.ID, &rt.UserID, &rt.RestaurantID, &rt.Rating, &rt.Visited,
		&wouldReturn, &notes, &rt.CreatedAt, &rt.UpdatedAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return RestaurantRating{}, err
	}
	if wouldReturn.Valid {
		rt.WouldReturn = &wouldReturn.Bool
	}
	rt.Notes = nullString(notes)
	return rt, nil
}

type ratingRequest struct {
	Rating      int     `json:"rating" validate:"required,min=1,max=5"`
	Visited     *bool   `json:"visited"`
	WouldReturn *bool   `json:"would_return"`
	Notes       *string `json:"notes" validate:"omitempty,max=1000"`
}

// PUT /api/v1/restaurants/{restaurantID}/rating
// 201 when the rating is new, 200 when it replaced an earlier one.
func rateRestaurantHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		restaurantID, err := strconv.Atoi(chi.URLParam(r, "restaurantID"))
		if err != nil || restaurantID <= 0 {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		var req ratingRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if !validateBody(w, &req) {
			return
		}
		visited := true
		if req.Visited != nil {
			visited = *req.Visited
		}

		var exists bool
		if err := db.QueryRowContext(r.Context(),
			`SELECT EXISTS (SELECT 1 FROM restaurants WHERE id = $1)`, restaurantID).Scan(&exists); err != nil {
			log.Error().Err(err).Msg("check restaurant")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		var inserted bool
		rt, err := scanRating(db.QueryRowContext(r.Context(), `
			INSERT INTO restaurant_ratings AS rr (user_id, restaurant_id, rating, visited, would_return, notes)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, restaurant_id) DO UPDATE
				SET rating = EXCLUDED.rating,
				    visited = EXCLUDED.visited,
				    would_return = EXCLUDED.would_return,
				    notes = EXCLUDED.notes,
				    updated_at = NOW()
			RETURNING `+ratingColumns+`, (xmax = 0)
		`, currentUserID(r), restaurantID, req.Rating, visited, req.WouldReturn, req.Notes), &inserted)
		if err != nil {
			log.Error().Err(err).Msg("upsert rating")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		status := http.StatusOK
		if inserted {
			status = http.StatusCreated
		}
		writeJSON(w, status, rt)
	}
}

// GET /api/v1/me/restaurant-ratings
func myRatingsHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.QueryContext(r.Context(), `
			SELECT `+ratingColumns+`, `+restaurantColumns+`
			FROM restaurant_ratings rr
			JOIN restaurants r ON r.id = rr.restaurant_id
			WHERE rr.user_id = $1
			ORDER BY rr.updated_at DESC, rr.id
		`, currentUserID(r))
		if err != nil {
			log.Error().Err(err).Msg("list ratings")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		out := []RestaurantRating{}
		for rows.Next() {
			var rest Restaurant
			var cuisine, address sql.NullString
			var lat, lng sql.NullFloat64
			rt, err := scanRating(rows, &rest.ID, &rest.Name, &cuisine, &address, &lat, &lng, &rest.CreatedAt)
			if err != nil {
				log.Error().Err(err).Msg("scan rating")
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			rest.Cuisine, rest.Address = nullString(cuisine), nullString(address)
			if lat.Valid {
				rest.Latitude = &lat.Float64
			}
			if lng.Valid {
				rest.Longitude = &lng.Float64
			}
			rt.Restaurant = &rest
			out = append(out, rt)
		}
		if err := rows.Err(); err != nil {
			log.Error().Err(err).Msg("list ratings")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
