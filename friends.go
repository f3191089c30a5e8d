package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Friend request lifecycle
//
// request: creates a pending row, or reopens my earlier declined/cancelled one.
// accept (addressee): pending → accepted, plus symmetric friendship rows.
// decline (addressee): pending → declined.
// cancel (requester): pending → cancelled.

const (
	statusPending   = "pending"
	statusAccepted  = "accepted"
	statusDeclined  = "declined"
	statusCancelled = "cancelled"
)

// apiError carries an HTTP status and error code out of a transaction body.
type apiError struct {
	status int
	code   string
}

func (e *apiError) Error() string { return e.code }

func newAPIError(status int, code string) error {
	return &apiError{status: status, code: code}
}

// writeTxError maps a transaction error to a response.
func writeTxError(w http.ResponseWriter, err error, what string) {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		writeError(w, ae.status, ae.code)
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, errConflict):
		writeError(w, http.StatusConflict, "conflict")
	default:
		log.Error().Err(err).Msg(what)
		writeError(w, http.StatusInternalServerError, "db_error")
	}
}

// FriendRequest is the wire form of a friend_requests row.
type FriendRequest struct {
	ID          uuid.UUID  `json:"id"`
	RequesterID uuid.UUID  `json:"requester_id"`
	AddresseeID uuid.UUID  `json:"addressee_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at"`
}

const friendRequestColumns = `id, requester_id, addressee_id, status, created_at, responded_at`

func scanFriendRequest(s rowScanner) (FriendRequest, error) {
	var fr FriendRequest
	var responded sql.NullTime
	err := s.Scan(&fr.ID, &fr.RequesterID, &fr.AddresseeID, &fr.Status, &fr.CreatedAt, &responded)
	fr.RespondedAt = nullTime(responded)
	return fr, err
}

// lockFriendPair serializes writers on the unordered pair {a, b} until the transaction ends.
// Row locks alone cannot do this: before the first request exists there is no row to lock.
func lockFriendPair(ctx context.Context, tx *sql.Tx, a, b uuid.UUID) error {
	lo, hi := a.String(), b.String()
	if hi < lo {
		lo, hi = hi, lo
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`, lo, hi); err != nil {
		return fmt.Errorf("lock friend pair: %w", err)
	}
	return nil
}

// loadPairForUpdate locks every request row between a and b, in either direction.
func loadPairForUpdate(ctx context.Context, tx *sql.Tx, a, b uuid.UUID) ([]FriendRequest, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+friendRequestColumns+`
		FROM friend_requests
		WHERE (requester_id = $1 AND addressee_id = $2)
		   OR (requester_id = $2 AND addressee_id = $1)
		FOR UPDATE
	`, a, b)
	if err != nil {
		return nil, fmt.Errorf("lock friend pair: %w", err)
	}
	defer rows.Close()

	var out []FriendRequest
	for rows.Next() {
		fr, err := scanFriendRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan friend request: %w", err)
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

func areFriends(ctx context.Context, tx *sql.Tx, a, b uuid.UUID) (bool, error) {
	var ok bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM friendships WHERE user_id = $1 AND friend_id = $2)`, a, b).Scan(&ok)
	return ok, err
}

type sendRequestResult struct {
	Created bool          `json:"created"`
	Request FriendRequest `json:"request"`
}

// sendFriendRequest applies the request rules for me → target and reports the HTTP status to use.
func sendFriendRequest(ctx context.Context, tx *sql.Tx, me, target uuid.UUID) (sendRequestResult, int, error) {
	if err := lockFriendPair(ctx, tx, me, target); err != nil {
		return sendRequestResult{}, 0, err
	}
	friends, err := areFriends(ctx, tx, me, target)
	if err != nil {
		return sendRequestResult{}, 0, err
	}
	if friends {
		return sendRequestResult{}, 0, newAPIError(http.StatusConflict, "already_friends")
	}

	pair, err := loadPairForUpdate(ctx, tx, me, target)
	if err != nil {
		return sendRequestResult{}, 0, err
	}
	var mine *FriendRequest
	for i := range pair {
		if pair[i].Status == statusPending {
			return sendRequestResult{Created: false, Request: pair[i]}, http.StatusOK, nil
		}
		if pair[i].RequesterID == me {
			mine = &pair[i]
		}
	}

	if mine != nil {
		fr, err := scanFriendRequest(tx.QueryRowContext(ctx, `
			UPDATE friend_requests
			SET status = 'pending', responded_at = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING `+friendRequestColumns, mine.ID))
		if err != nil {
			return sendRequestResult{}, 0, fmt.Errorf("reopen friend request: %w", err)
		}
		return sendRequestResult{Created: true, Request: fr}, http.StatusCreated, nil
	}

	fr, err := scanFriendRequest(tx.QueryRowContext(ctx, `
		INSERT INTO friend_requests (requester_id, addressee_id)
		VALUES ($1, $2)
		RETURNING `+friendRequestColumns, me, target))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// A concurrent request for the same pair won the insert
			return sendRequestResult{}, 0, errConflict
		}
		return sendRequestResult{}, 0, fmt.Errorf("insert friend request: %w", err)
	}
	return sendRequestResult{Created: true, Request: fr}, http.StatusCreated, nil
}

// POST /api/v1/friends/requests/{id} where id is the target user
func sendFriendRequestHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		me := currentUserID(r)
		if targetID == me {
			writeError(w, http.StatusBadRequest, "invalid_target")
			return
		}

		var discoverable bool
		err := db.QueryRowContext(r.Context(),
			`SELECT discoverable FROM users WHERE id = $1`, targetID).Scan(&discoverable)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !discoverable) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		} else if err != nil {
			log.Error().Err(err).Msg("load request target")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		var (
			res    sendRequestResult
			status int
		)
		err = withTx(r.Context(), db, func(tx *sql.Tx) error {
			var err error
			res, status, err = sendFriendRequest(r.Context(), tx, me, targetID)
			return err
		})
		if err != nil {
			writeTxError(w, err, "send friend request")
			return
		}
		writeJSON(w, status, res)
	}
}

// transitionFriendRequest moves a pending request to next on behalf of actor.
// Only the addressee may accept or decline; only the requester may cancel.
func transitionFriendRequest(ctx context.Context, tx *sql.Tx, requestID, actor uuid.UUID, next string) (FriendRequest, error) {
	fr, err := scanFriendRequest(tx.QueryRowContext(ctx,
		`SELECT `+friendRequestColumns+` FROM friend_requests WHERE id = $1 FOR UPDATE`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return FriendRequest{}, errNotFound
	} else if err != nil {
		return FriendRequest{}, fmt.Errorf("load friend request: %w", err)
	}

	allowed := fr.AddresseeID
	if next == statusCancelled {
		allowed = fr.RequesterID
	}
	if actor != allowed {
		return FriendRequest{}, errForbidden
	}
	if fr.Status != statusPending {
		return FriendRequest{}, newAPIError(http.StatusConflict, "not_pending")
	}

	fr, err = scanFriendRequest(tx.QueryRowContext(ctx, `
		UPDATE friend_requests
		SET status = $2, responded_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+friendRequestColumns, requestID, next))
	if err != nil {
		return FriendRequest{}, fmt.Errorf("update friend request: %w", err)
	}

	if next == statusAccepted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO friendships (user_id, friend_id, source_request_id)
			VALUES ($1, $2, $3), ($2, $1, $3)
			ON CONFLICT (user_id, friend_id) DO NOTHING
		`, fr.RequesterID, fr.AddresseeID, fr.ID); err != nil {
			return FriendRequest{}, fmt.Errorf("insert friendships: %w", err)
		}
	}
	return fr, nil
}

// POST /api/v1/friends/requests/{id}/{accept|decline|cancel}
func friendRequestActionHandler(db *sql.DB, next string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		me := currentUserID(r)

		var fr FriendRequest
		err := withTx(r.Context(), db, func(tx *sql.Tx) error {
			var err error
			fr, err = transitionFriendRequest(r.Context(), tx, requestID, me, next)
			return err
		})
		if err != nil {
			writeTxError(w, err, "transition friend request")
			return
		}
		writeJSON(w, http.StatusOK, fr)
	}
}

// FriendItem is one entry of GET /api/v1/friends.
type FriendItem struct {
	User        UserPublic `json:"user"`
	FriendSince time.Time  `json:"friend_since"`
}

// GET /api/v1/friends
func friendsHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		me := currentUserID(r)

		rows, err := db.QueryContext(ctx, `
			SELECT f.friend_id, f.created_at
			FROM friendships f
			JOIN users u ON u.id = f.friend_id
			WHERE f.user_id = $1
			ORDER BY u.display_name ASC NULLS LAST, u.created_at ASC
		`, me)
		if err != nil {
			log.Error().Err(err).Msg("list friends")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		var ids []uuid.UUID
		since := map[uuid.UUID]time.Time{}
		for rows.Next() {
			var id uuid.UUID
			var at time.Time
			if err := rows.Scan(&id, &at); err != nil {
				log.Error().Err(err).Msg("scan friend")
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			ids = append(ids, id)
			since[id] = at
		}
		if err := rows.Err(); err != nil {
			log.Error().Err(err).Msg("list friends")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		users, hobbies, err := loadPublicData(ctx, db, ids)
		if err != nil {
			log.Error().Err(err).Msg("load friends")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		items := make([]FriendItem, 0, len(ids))
		for _, id := range ids {
			items = append(items, FriendItem{User: users[id].public(hobbies[id]), FriendSince: since[id]})
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// loadPublicData batches user rows and hobbies for ids through the request loaders.
func loadPublicData(ctx context.Context, db *sql.DB, ids []uuid.UUID) (map[uuid.UUID]userRow, map[uuid.UUID][]string, error) {
	users, err := loadUsers(ctx, db, ids)
	if err != nil {
		return nil, nil, err
	}
	hobbies, err := loadHobbies(ctx, db, ids)
	if err != nil {
		return nil, nil, err
	}
	return users, hobbies, nil
}

// RequestItem is one entry of the incoming/outgoing request lists.
type RequestItem struct {
	Request FriendRequest `json:"request"`
	User    UserPublic    `json:"user"`
}

// GET /api/v1/friends/requests/{incoming|outgoing}
func pendingRequestsHandler(db *sql.DB, incoming bool) http.HandlerFunc {
	mine := "requester_id"
	if incoming {
		mine = "addressee_id"
	}
	query := `SELECT ` + friendRequestColumns + ` FROM friend_requests
		WHERE ` + mine + ` = $1 AND status = 'pending'
		ORDER BY created_at DESC, id DESC`

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rows, err := db.QueryContext(ctx, query, currentUserID(r))
		if err != nil {
			log.Error().Err(err).Bool("incoming", incoming).Msg("list pending requests")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		defer rows.Close()

		var requests []FriendRequest
		for rows.Next() {
			fr, err := scanFriendRequest(rows)
			if err != nil {
				log.Error().Err(err).Msg("scan friend request")
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			requests = append(requests, fr)
		}
		if err := rows.Err(); err != nil {
			log.Error().Err(err).Msg("list pending requests")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		ids := make([]uuid.UUID, len(requests))
		for i, fr := range requests {
			ids[i] = fr.RequesterID
			if !incoming {
				ids[i] = fr.AddresseeID
			}
		}
		users, hobbies, err := loadPublicData(ctx, db, ids)
		if err != nil {
			log.Error().Err(err).Msg("load request peers")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		items := make([]RequestItem, len(requests))
		for i, fr := range requests {
			items[i] = RequestItem{Request: fr, User: users[ids[i]].public(hobbies[ids[i]])}
		}
		writeJSON(w, http.StatusOK, items)
	}
}
