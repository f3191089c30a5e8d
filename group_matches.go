package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Group match lifecycle
//
// group:  forming → confirmed once groupSize members accepted (and a venue exists unless
//         chat_only); confirmed → forming when an accepted member leaves.
//         scheduled, completed, cancelled and expired are set by operators.
// member: invited → accepted | declined; accepted → left.

const (
	groupForming   = "forming"
	groupConfirmed = "confirmed"
	groupScheduled = "scheduled"

	memberInvited  = "invited"
	memberAccepted = "accepted"
	memberDeclined = "declined"
	memberLeft     = "left"
)

var terminalGroupStatuses = map[string]bool{"completed": true, "cancelled": true, "expired": true}

// GroupMatch is the caller's view of one group.
type GroupMatch struct {
	ID              uuid.UUID      `json:"id"`
	Status          string         `json:"status"`
	Mode            string         `json:"group_match_mode"`
	CreatedSource   string         `json:"created_source"`
	CreatedByUserID *uuid.UUID     `json:"created_by_user_id"`
	ChatRoomKey     *string        `json:"chat_room_key"`
	ScheduledFor    *time.Time     `json:"scheduled_for"`
	ExpiresAt       *time.Time     `json:"expires_at"`
	MemberCounts    map[string]int `json:"member_counts"`
	MyMemberStatus  string         `json:"my_member_status"`
	Members         []GroupMember  `json:"members"`
	Venue           *GroupVenue    `json:"venue"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type GroupMember struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Status      string          `json:"status"`
	SlotNumber  *int64          `json:"slot_number"`
	InvitedAt   time.Time       `json:"invited_at"`
	RespondedAt *time.Time      `json:"responded_at"`
	JoinedAt    *time.Time      `json:"joined_at"`
	LeftAt      *time.Time      `json:"left_at"`
	User        GroupMemberUser `json:"user"`
}

type GroupMemberUser struct {
	ID           uuid.UUID `json:"id"`
	DisplayName  *string   `json:"display_name"`
	Neighborhood *string   `json:"neighborhood"`
}

type GroupVenue struct {
	ID                   uuid.UUID `json:"id"`
	VenueKind            string    `json:"venue_kind"`
	Source               string    `json:"source"`
	RestaurantID         *int64    `json:"restaurant_id"`
	NameSnapshot         string    `json:"name_snapshot"`
	AddressSnapshot      *string   `json:"address_snapshot"`
	NeighborhoodSnapshot *string   `json:"neighborhood_snapshot"`
}

const groupMatchColumns = `g.id, g.status, g.group_match_mode, g.created_source, g.created_by_user_id,
	g.chat_room_key, g.scheduled_for, g.expires_at, g.created_at, g.updated_at, m.status`

func scanGroupMatch(s rowScanner) (GroupMatch, error) {
	var (
		g         GroupMatch
		createdBy uuid.NullUUID
		chatRoom  sql.NullString
		scheduled sql.NullTime
		expires   sql.NullTime
	)
	err := s.Scan(&g.ID, &g.Status, &g.Mode, &g.CreatedSource, &createdBy,
		&chatRoom, &scheduled, &expires, &g.CreatedAt, &g.UpdatedAt, &g.MyMemberStatus)
	if createdBy.Valid {
		g.CreatedByUserID = &createdBy.UUID
	}
	g.ChatRoomKey = nullString(chatRoom)
	g.ScheduledFor = nullTime(scheduled)
	g.ExpiresAt = nullTime(expires)
	g.MemberCounts = map[string]int{}
	g.Members = []GroupMember{}
	return g, err
}

// listGroupMatches returns the groups me belongs to, most recently active first.
// Declined and left memberships are skipped unless includeInactive.
func listGroupMatches(ctx context.Context, db *sql.DB, me uuid.UUID, includeInactive bool, limit, offset int) ([]GroupMatch, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+groupMatchColumns+`
		FROM group_matches g
		JOIN group_match_members m ON m.group_match_id = g.id
		WHERE m.user_id = $1
		  AND ($2 OR m.status IN ('invited', 'accepted'))
		ORDER BY g.updated_at DESC, g.created_at DESC
		LIMIT $3 OFFSET $4
	`, me, includeInactive, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query group matches: %w", err)
	}
	defer rows.Close()

	groups := []GroupMatch{}
	for rows.Next() {
		g, err := scanGroupMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group match: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, attachGroupDetails(ctx, db, groups)
}

// loadGroupMatch returns one group if me is a member of it, in any member status.
func loadGroupMatch(ctx context.Context, db *sql.DB, id, me uuid.UUID) (GroupMatch, error) {
	g, err := scanGroupMatch(db.QueryRowContext(ctx, `
		SELECT `+groupMatchColumns+`
		FROM group_matches g
		JOIN group_match_members m ON m.group_match_id = g.id
		WHERE g.id = $1 AND m.user_id = $2
	`, id, me))
	if errors.Is(err, sql.ErrNoRows) {
		return GroupMatch{}, errNotFound
	} else if err != nil {
		return GroupMatch{}, fmt.Errorf("load group match: %w", err)
	}
	groups := []GroupMatch{g}
	if err := attachGroupDetails(ctx, db, groups); err != nil {
		return GroupMatch{}, err
	}
	return groups[0], nil
}

// attachGroupDetails fills members, counts and venues for all groups with two queries.
func attachGroupDetails(ctx context.Context, db *sql.DB, groups []GroupMatch) error {
	if len(groups) == 0 {
		return nil
	}
	index := make(map[uuid.UUID]int, len(groups))
	ids := make([]uuid.UUID, len(groups))
	for i, g := range groups {
		index[g.ID] = i
		ids[i] = g.ID
	}

	rows, err := db.QueryContext(ctx, `
		SELECT m.id, m.group_match_id, m.user_id, m.status, m.slot_number, m.invited_at,
		       m.responded_at, m.joined_at, m.left_at, u.display_name, u.neighborhood
		FROM group_match_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_match_id = ANY($1::uuid[])
		ORDER BY m.group_match_id, m.slot_number ASC NULLS LAST, m.created_at ASC
	`, pq.Array(uuidStrings(ids)))
	if err != nil {
		return fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m                         GroupMember
			groupID                   uuid.UUID
			slot                      sql.NullInt64
			responded, joined, left   sql.NullTime
			displayName, neighborhood sql.NullString
		)
		if err := rows.Scan(&m.ID, &groupID, &m.UserID, &m.Status, &slot, &m.InvitedAt,
			&responded, &joined, &left, &displayName, &neighborhood); err != nil {
			return fmt.Errorf("scan group member: %w", err)
		}
		if slot.Valid {
			m.SlotNumber = &slot.Int64
		}
		m.RespondedAt, m.JoinedAt, m.LeftAt = nullTime(responded), nullTime(joined), nullTime(left)
		m.User = GroupMemberUser{ID: m.UserID, DisplayName: nullString(displayName), Neighborhood: nullString(neighborhood)}

		g := &groups[index[groupID]]
		g.Members = append(g.Members, m)
		g.MemberCounts[m.Status]++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	vrows, err := db.QueryContext(ctx, `
		SELECT v.id, v.group_match_id, v.venue_kind, v.source, v.restaurant_id,
		       v.name_snapshot, v.address_snapshot, v.neighborhood_snapshot
		FROM group_match_venues v
		WHERE v.group_match_id = ANY($1::uuid[])
	`, pq.Array(uuidStrings(ids)))
	if err != nil {
		return fmt.Errorf("query group venues: %w", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var (
			v                     GroupVenue
			groupID               uuid.UUID
			restaurantID          sql.NullInt64
			address, neighborhood sql.NullString
		)
		if err := vrows.Scan(&v.ID, &groupID, &v.VenueKind, &v.Source, &restaurantID,
			&v.NameSnapshot, &address, &neighborhood); err != nil {
			return fmt.Errorf("scan group venue: %w", err)
		}
		if restaurantID.Valid {
			v.RestaurantID = &restaurantID.Int64
		}
		v.AddressSnapshot, v.NeighborhoodSnapshot = nullString(address), nullString(neighborhood)
		groups[index[groupID]].Venue = &v
	}
	return vrows.Err()
}

// checkMemberTransition reports why a member in memberStatus may not move to next.
func checkMemberTransition(groupStatus, memberStatus, next string) error {
	switch next {
	case memberAccepted, memberDeclined:
		if terminalGroupStatuses[groupStatus] {
			return newAPIError(http.StatusConflict, "group_not_active")
		}
		if memberStatus != memberInvited {
			return newAPIError(http.StatusConflict, "not_invited")
		}
	case memberLeft:
		if terminalGroupStatuses[groupStatus] || groupStatus == groupScheduled {
			return newAPIError(http.StatusConflict, "cannot_leave")
		}
		if memberStatus != memberAccepted {
			return newAPIError(http.StatusConflict, "not_accepted")
		}
	default:
		return fmt.Errorf("unknown member transition %q", next)
	}
	return nil
}

// nextGroupStatus derives the group status after a membership change.
func nextGroupStatus(status, mode string, accepted int, hasVenue bool) string {
	if terminalGroupStatuses[status] {
		return status
	}
	full := accepted >= groupSize && (mode == modeChatOnly || hasVenue)
	switch {
	case status == groupForming && full:
		return groupConfirmed
	case status == groupConfirmed && accepted < groupSize:
		return groupForming
	}
	return status
}

var memberTimestamps = map[string]string{
	memberAccepted: "responded_at = NOW(), joined_at = COALESCE(joined_at, NOW())",
	memberDeclined: "responded_at = NOW()",
	memberLeft:     "left_at = NOW()",
}

// transitionGroupMember applies next to me's membership in the group and re-derives the
// group status. Group and member rows stay locked until the transaction ends.
func transitionGroupMember(ctx context.Context, tx *sql.Tx, groupID, me uuid.UUID, next string) error {
	var (
		groupStatus, mode, memberStatus string
		memberID                        uuid.UUID
	)
	err := tx.QueryRowContext(ctx, `
		SELECT g.status, g.group_match_mode, m.id, m.status
		FROM group_matches g
		JOIN group_match_members m ON m.group_match_id = g.id
		WHERE g.id = $1 AND m.user_id = $2
		FOR UPDATE
	`, groupID, me).Scan(&groupStatus, &mode, &memberID, &memberStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound
	} else if err != nil {
		return fmt.Errorf("load group membership: %w", err)
	}
	if err := checkMemberTransition(groupStatus, memberStatus, next); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE group_match_members
		SET status = $2, `+memberTimestamps[next]+`, updated_at = NOW()
		WHERE id = $1
	`, memberID, next); err != nil {
		return fmt.Errorf("update group member: %w", err)
	}

	var (
		accepted int
		hasVenue bool
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'accepted'),
		       EXISTS (SELECT 1 FROM group_match_venues WHERE group_match_id = $1)
		FROM group_match_members
		WHERE group_match_id = $1
	`, groupID).Scan(&accepted, &hasVenue); err != nil {
		return fmt.Errorf("count group members: %w", err)
	}

	status := nextGroupStatus(groupStatus, mode, accepted, hasVenue)
	if status == groupConfirmed && groupStatus != groupConfirmed {
		_, err = tx.ExecContext(ctx, `
			UPDATE group_matches
			SET status = 'confirmed', chat_room_key = COALESCE(chat_room_key, 'group-' || id::text), updated_at = NOW()
			WHERE id = $1
		`, groupID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE group_matches SET status = $2, updated_at = NOW() WHERE id = $1`, groupID, status)
	}
	if err != nil {
		return fmt.Errorf("update group match: %w", err)
	}
	return nil
}

// GET /api/v1/group-matches
func groupMatchesHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, ok := pageParams(r, 20)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_pagination")
			return
		}
		var includeInactive bool
		if v := r.URL.Query().Get("include_inactive_memberships"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_include_inactive")
				return
			}
			includeInactive = b
		}

		groups, err := listGroupMatches(r.Context(), db, currentUserID(r), includeInactive, limit, offset)
		if err != nil {
			log.Error().Err(err).Msg("list group matches")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		writeJSON(w, http.StatusOK, groups)
	}
}

// GET /api/v1/group-matches/{groupID}
func groupMatchHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		g, err := loadGroupMatch(r.Context(), db, groupID, currentUserID(r))
		if err != nil {
			writeTxError(w, err, "load group match")
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

// POST /api/v1/group-matches/{groupID}/{accept|decline|leave}
func groupMemberActionHandler(db *sql.DB, next string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := uuidParam(w, r, "groupID")
		if !ok {
			return
		}
		me := currentUserID(r)

		err := withTx(r.Context(), db, func(tx *sql.Tx) error {
			return transitionGroupMember(r.Context(), tx, groupID, me, next)
		})
		if err != nil {
			writeTxError(w, err, "update group membership")
			return
		}

		g, err := loadGroupMatch(r.Context(), db, groupID, me)
		if err != nil {
			writeTxError(w, err, "reload group match")
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}
