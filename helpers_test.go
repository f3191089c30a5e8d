package main

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

// newRequest builds a request authenticated as userID with the given chi URL params.
func newRequest(method, target, body string, userID uuid.UUID, params map[string]string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	ctx := context.WithValue(req.Context(), userIDKey, userID)
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]interface{}](t, w)["error"].(string)
}

var userRowColumns = []string{
	"id", "email", "display_name", "neighborhood", "location_lat", "location_lng",
	"max_distance_km", "discoverable", "created_at",
}

// testUser describes one users row for sqlmock result sets.
type testUser struct {
	id           uuid.UUID
	name         string
	lat, lng     interface{}
	maxDistance  float64
	discoverable bool
}

func userRows(users ...testUser) *sqlmock.Rows {
	rows := sqlmock.NewRows(userRowColumns)
	for _, u := range users {
		maxDistance := u.maxDistance
		if maxDistance == 0 {
			maxDistance = 10
		}
		rows.AddRow(u.id.String(), u.name+"@test.local", u.name, nil, u.lat, u.lng, maxDistance, u.discoverable, fixedTime)
	}
	return rows
}
