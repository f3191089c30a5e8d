package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"gitea.kood.tech/petrkubec/proximity/backend/ranking"
)

// userRow is a users table row as the handlers need it.
type userRow struct {
	ID            uuid.UUID
	Email         string
	DisplayName   sql.NullString
	Neighborhood  sql.NullString
	LocationLat   sql.NullFloat64
	LocationLng   sql.NullFloat64
	MaxDistanceKm float64
	Discoverable  bool
	CreatedAt     time.Time
}

const userColumns = `u.id, u.email, u.display_name, u.neighborhood, u.location_lat, u.location_lng,
	u.max_distance_km, u.discoverable, u.created_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(s rowScanner, extra ...interface{}) (userRow, error) {
	var u userRow
	dest := []interface{}{
		&u.ID, &u.Email, &u.DisplayName, &u.Neighborhood, &u.LocationLat, &u.LocationLng,
		&u.MaxDistanceKm, &u.Discoverable, &u.CreatedAt,
	}
	err := s.Scan(append(dest, extra...)...)
	return u, err
}

// geoPoint feeds the stored columns through the same adapter the API uses.
func (u userRow) geoPoint() ranking.GeoPoint {
	var g ranking.GeoPoint
	if u.LocationLat.Valid {
		g.Lat = &u.LocationLat.Float64
	}
	if u.LocationLng.Valid {
		g.Lng = &u.LocationLng.Float64
	}
	return g
}

func (u userRow) rankingProfile(hobbies []string) ranking.Profile {
	pref := u.MaxDistanceKm
	return ranking.Profile{
		ID:            u.ID.String(),
		Hobbies:       hobbies,
		Location:      u.geoPoint().Coordinates(),
		MaxDistanceKm: &pref,
	}
}

// UserPublic is what other users may see.
type UserPublic struct {
	ID           uuid.UUID `json:"id"`
	DisplayName  *string   `json:"display_name"`
	Neighborhood *string   `json:"neighborhood"`
	Hobbies      []string  `json:"hobbies"`
}

func (u userRow) public(hobbies []string) UserPublic {
	if hobbies == nil {
		hobbies = []string{}
	}
	return UserPublic{
		ID:           u.ID,
		DisplayName:  nullString(u.DisplayName),
		Neighborhood: nullString(u.Neighborhood),
		Hobbies:      hobbies,
	}
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
