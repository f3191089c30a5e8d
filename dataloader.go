package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/lib/pq"
)

// DataLoaderContextKey is the key used to store dataloaders in context
type DataLoaderContextKey string

const dataLoaderKey DataLoaderContextKey = "dataloader"

const loaderWait = 16 * time.Millisecond

// DataLoaders batch the per-user lookups list endpoints would otherwise issue one by one.
type DataLoaders struct {
	Users   *dataloader.Loader[uuid.UUID, userRow]
	Hobbies *dataloader.Loader[uuid.UUID, []string]
}

// NewDataLoaders creates new dataloaders with the database connection
func NewDataLoaders(db *sql.DB) *DataLoaders {
	return &DataLoaders{
		Users:   dataloader.NewBatchedLoader(userBatchFn(db), dataloader.WithWait[uuid.UUID, userRow](loaderWait)),
		Hobbies: dataloader.NewBatchedLoader(hobbyBatchFn(db), dataloader.WithWait[uuid.UUID, []string](loaderWait)),
	}
}

// WithDataLoaders adds dataloaders to context
func WithDataLoaders(ctx context.Context, dl *DataLoaders) context.Context {
	return context.WithValue(ctx, dataLoaderKey, dl)
}

// loadersFrom returns the request's loaders, or fresh ones when the middleware did not run.
func loadersFrom(ctx context.Context, db *sql.DB) *DataLoaders {
	if dl, ok := ctx.Value(dataLoaderKey).(*DataLoaders); ok {
		return dl
	}
	return NewDataLoaders(db)
}

// dataLoaderMiddleware gives every request its own loaders so cached rows never outlive it.
func dataLoaderMiddleware(db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithDataLoaders(r.Context(), NewDataLoaders(db))))
		})
	}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func failAll[V any](results []*dataloader.Result[V], err error) []*dataloader.Result[V] {
	for _, r := range results {
		r.Error = err
	}
	return results
}

func userBatchFn(db *sql.DB) dataloader.BatchFunc[uuid.UUID, userRow] {
	return func(ctx context.Context, keys []uuid.UUID) []*dataloader.Result[userRow] {
		results := make([]*dataloader.Result[userRow], len(keys))
		keyMap := make(map[uuid.UUID][]int, len(keys))
		for i, key := range keys {
			keyMap[key] = append(keyMap[key], i)
			results[i] = &dataloader.Result[userRow]{Error: errNotFound}
		}
		if len(keys) == 0 {
			return results
		}

		rows, err := db.QueryContext(ctx,
			`SELECT `+userColumns+` FROM users u WHERE u.id = ANY($1::uuid[])`,
			pq.Array(uuidStrings(keys)))
		if err != nil {
			return failAll(results, err)
		}
		defer rows.Close()

		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return failAll(results, err)
			}
			for _, idx := range keyMap[u.ID] {
				results[idx] = &dataloader.Result[userRow]{Data: u}
			}
		}
		if err := rows.Err(); err != nil {
			return failAll(results, err)
		}
		return results
	}
}

// hobbyBatchFn loads catalog codes per user. Users without hobbies get an empty, non-nil slice.
func hobbyBatchFn(db queryer) dataloader.BatchFunc[uuid.UUID, []string] {
	return func(ctx context.Context, keys []uuid.UUID) []*dataloader.Result[[]string] {
		results := make([]*dataloader.Result[[]string], len(keys))
		for i := range keys {
			results[i] = &dataloader.Result[[]string]{Data: []string{}}
		}
		if len(keys) == 0 {
			return results
		}

		rows, err := db.QueryContext(ctx, `
			SELECT uh.user_id, hc.code
			FROM user_hobbies uh
			JOIN hobby_catalog hc ON hc.id = uh.hobby_id
			WHERE uh.user_id = ANY($1::uuid[])
			ORDER BY uh.user_id, hc.code
		`, pq.Array(uuidStrings(keys)))
		if err != nil {
			return failAll(results, err)
		}
		defer rows.Close()

		byUser := make(map[uuid.UUID][]string, len(keys))
		for rows.Next() {
			var id uuid.UUID
			var code string
			if err := rows.Scan(&id, &code); err != nil {
				return failAll(results, err)
			}
			byUser[id] = append(byUser[id], code)
		}
		if err := rows.Err(); err != nil {
			return failAll(results, err)
		}

		for i, key := range keys {
			if codes, ok := byUser[key]; ok {
				results[i].Data = codes
			}
		}
		return results
	}
}

// loadHobbies returns hobby codes for ids, keyed by user.
func loadHobbies(ctx context.Context, db *sql.DB, ids []uuid.UUID) (map[uuid.UUID][]string, error) {
	out := make(map[uuid.UUID][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	values, errs := loadersFrom(ctx, db).Hobbies.LoadMany(ctx, ids)()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for i, id := range ids {
		out[id] = values[i]
	}
	return out, nil
}

// fetchHobbies runs the hobby batch directly for callers that already hold every key,
// skipping the loader's batch window. Results prime the request's loader.
func fetchHobbies(ctx context.Context, db queryer, ids []uuid.UUID) (map[uuid.UUID][]string, error) {
	out := make(map[uuid.UUID][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for i, res := range hobbyBatchFn(db)(ctx, ids) {
		if res.Error != nil {
			return nil, res.Error
		}
		out[ids[i]] = res.Data
	}
	if dl, ok := ctx.Value(dataLoaderKey).(*DataLoaders); ok {
		for id, codes := range out {
			dl.Hobbies.Prime(ctx, id, codes)
		}
	}
	return out, nil
}

// loadUsers resolves many users at once. Missing ids yield errNotFound.
func loadUsers(ctx context.Context, db *sql.DB, ids []uuid.UUID) (map[uuid.UUID]userRow, error) {
	out := make(map[uuid.UUID]userRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	values, errs := loadersFrom(ctx, db).Users.LoadMany(ctx, ids)()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for i, id := range ids {
		out[id] = values[i]
	}
	return out, nil
}
