package main

import (
	"database/sql"
	"database/sql/driver"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	groupRowColumns = []string{
		"id", "status", "group_match_mode", "created_source", "created_by_user_id", "chat_room_key",
		"scheduled_for", "expires_at", "created_at", "updated_at", "member_status",
	}
	groupMemberColumns = []string{
		"id", "group_match_id", "user_id", "status", "slot_number", "invited_at",
		"responded_at", "joined_at", "left_at", "display_name", "neighborhood",
	}
	groupVenueColumns = []string{
		"id", "group_match_id", "venue_kind", "source", "restaurant_id",
		"name_snapshot", "address_snapshot", "neighborhood_snapshot",
	}
)

func groupRow(id uuid.UUID, status, memberStatus string) []driver.Value {
	var chatRoom interface{}
	if status == groupConfirmed {
		chatRoom = "group-" + id.String()
	}
	return []driver.Value{id.String(), status, modeInPerson, "system", nil, chatRoom, nil, nil, fixedTime, fixedTime, memberStatus}
}

func memberRow(groupID, userID uuid.UUID, status string, slot int64, name string) []driver.Value {
	return []driver.Value{uuid.NewString(), groupID.String(), userID.String(), status, slot, fixedTime, nil, nil, nil, name, nil}
}

func TestCheckMemberTransition(t *testing.T) {
	tests := []struct {
		group, member, next string
		code                string
	}{
		{groupForming, memberInvited, memberAccepted, ""},
		{groupConfirmed, memberInvited, memberDeclined, ""},
		{"cancelled", memberInvited, memberAccepted, "group_not_active"},
		{"expired", memberInvited, memberDeclined, "group_not_active"},
		{groupForming, memberAccepted, memberAccepted, "not_invited"},
		{groupForming, memberDeclined, memberDeclined, "not_invited"},
		{groupConfirmed, memberAccepted, memberLeft, ""},
		{groupScheduled, memberAccepted, memberLeft, "cannot_leave"},
		{"completed", memberAccepted, memberLeft, "cannot_leave"},
		{groupForming, memberInvited, memberLeft, "not_accepted"},
	}
	for _, tt := range tests {
		t.Run(tt.group+"/"+tt.member+"->"+tt.next, func(t *testing.T) {
			err := checkMemberTransition(tt.group, tt.member, tt.next)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			var ae *apiError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, http.StatusConflict, ae.status)
			assert.Equal(t, tt.code, ae.code)
		})
	}
}

func TestNextGroupStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		mode     string
		accepted int
		venue    bool
		want     string
	}{
		{"full with venue confirms", groupForming, modeInPerson, 4, true, groupConfirmed},
		{"full without venue keeps forming", groupForming, modeInPerson, 4, false, groupForming},
		{"chat only needs no venue", groupForming, modeChatOnly, 4, false, groupConfirmed},
		{"three accepted keeps forming", groupForming, modeInPerson, 3, true, groupForming},
		{"a leave reopens a confirmed group", groupConfirmed, modeInPerson, 3, true, groupForming},
		{"scheduled is left alone", groupScheduled, modeInPerson, 2, true, groupScheduled},
		{"terminal is left alone", "cancelled", modeInPerson, 4, true, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextGroupStatus(tt.status, tt.mode, tt.accepted, tt.venue))
		})
	}
}

func TestGroupMemberActionHandler(t *testing.T) {
	me, other := uuid.New(), uuid.New()
	groupID, memberID := uuid.New(), uuid.New()
	params := map[string]string{"groupID": groupID.String()}

	expectMembership := func(mock sqlmock.Sqlmock, groupStatus, mode, memberStatus string) {
		mock.ExpectQuery(`FROM group_matches g\s+JOIN group_match_members m .*FOR UPDATE`).
			WithArgs(groupID, me).
			WillReturnRows(sqlmock.NewRows([]string{"status", "group_match_mode", "id", "status"}).
				AddRow(groupStatus, mode, memberID.String(), memberStatus))
	}
	expectCounts := func(mock sqlmock.Sqlmock, accepted int, venue bool) {
		mock.ExpectQuery(`COUNT\(\*\) FILTER \(WHERE status = 'accepted'\)`).WithArgs(groupID).
			WillReturnRows(sqlmock.NewRows([]string{"count", "exists"}).AddRow(accepted, venue))
	}
	expectReload := func(mock sqlmock.Sqlmock, status, myStatus string) {
		mock.ExpectQuery(`WHERE g\.id = \$1 AND m\.user_id = \$2`).WithArgs(groupID, me).
			WillReturnRows(sqlmock.NewRows(groupRowColumns).AddRow(groupRow(groupID, status, myStatus)...))
		mock.ExpectQuery(`FROM group_match_members m\s+JOIN users u`).
			WillReturnRows(sqlmock.NewRows(groupMemberColumns).
				AddRow(memberRow(groupID, me, myStatus, 1, "me")...).
				AddRow(memberRow(groupID, other, memberAccepted, 2, "other")...))
		mock.ExpectQuery(`FROM group_match_venues v`).
			WillReturnRows(sqlmock.NewRows(groupVenueColumns))
	}

	t.Run("not a member", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).WithArgs(groupID, me).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		w := serve(groupMemberActionHandler(db, memberAccepted), newRequest(http.MethodPost, "/", "", me, params))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		db, _ := newMockDB(t)
		w := serve(groupMemberActionHandler(db, memberAccepted),
			newRequest(http.MethodPost, "/", "", me, map[string]string{"groupID": "nope"}))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("fourth acceptance confirms the group", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		expectMembership(mock, groupForming, modeInPerson, memberInvited)
		mock.ExpectExec(`UPDATE group_match_members\s+SET status = \$2, responded_at = NOW\(\), joined_at = COALESCE`).
			WithArgs(memberID, memberAccepted).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectCounts(mock, 4, true)
		mock.ExpectExec(`SET status = 'confirmed', chat_room_key = COALESCE`).WithArgs(groupID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		expectReload(mock, groupConfirmed, memberAccepted)

		w := serve(groupMemberActionHandler(db, memberAccepted), newRequest(http.MethodPost, "/", "", me, params))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		g := decodeBody[GroupMatch](t, w)
		assert.Equal(t, groupConfirmed, g.Status)
		assert.Equal(t, memberAccepted, g.MyMemberStatus)
		assert.Equal(t, map[string]int{memberAccepted: 2}, g.MemberCounts)
		require.NotNil(t, g.ChatRoomKey)
		assert.Equal(t, "group-"+groupID.String(), *g.ChatRoomKey)
		require.Len(t, g.Members, 2)
		assert.Equal(t, me, g.Members[0].UserID)
		assert.Nil(t, g.Venue)
	})

	t.Run("decline keeps the group forming", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		expectMembership(mock, groupForming, modeInPerson, memberInvited)
		mock.ExpectExec(`SET status = \$2, responded_at = NOW\(\), updated_at`).
			WithArgs(memberID, memberDeclined).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectCounts(mock, 1, true)
		mock.ExpectExec(`UPDATE group_matches SET status = \$2`).WithArgs(groupID, groupForming).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		expectReload(mock, groupForming, memberDeclined)

		w := serve(groupMemberActionHandler(db, memberDeclined), newRequest(http.MethodPost, "/", "", me, params))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, memberDeclined, decodeBody[GroupMatch](t, w).MyMemberStatus)
	})

	t.Run("leaving a confirmed group reopens it", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		expectMembership(mock, groupConfirmed, modeInPerson, memberAccepted)
		mock.ExpectExec(`SET status = \$2, left_at = NOW\(\)`).
			WithArgs(memberID, memberLeft).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectCounts(mock, 3, true)
		mock.ExpectExec(`UPDATE group_matches SET status = \$2`).WithArgs(groupID, groupForming).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		expectReload(mock, groupForming, memberLeft)

		w := serve(groupMemberActionHandler(db, memberLeft), newRequest(http.MethodPost, "/", "", me, params))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, groupForming, decodeBody[GroupMatch](t, w).Status)
	})

	t.Run("cannot leave a scheduled group", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		expectMembership(mock, groupScheduled, modeInPerson, memberAccepted)
		mock.ExpectRollback()

		w := serve(groupMemberActionHandler(db, memberLeft), newRequest(http.MethodPost, "/", "", me, params))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "cannot_leave", errorCode(t, w))
	})

	t.Run("accepting twice conflicts", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		expectMembership(mock, groupForming, modeInPerson, memberAccepted)
		mock.ExpectRollback()

		w := serve(groupMemberActionHandler(db, memberAccepted), newRequest(http.MethodPost, "/", "", me, params))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "not_invited", errorCode(t, w))
	})
}

func TestGroupMatchesHandler(t *testing.T) {
	me, other := uuid.New(), uuid.New()
	g1, g2 := uuid.New(), uuid.New()

	t.Run("lists groups with members and venues", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`WHERE m\.user_id = \$1\s+AND \(\$2 OR m\.status IN`).
			WithArgs(me, false, 20, 0).
			WillReturnRows(sqlmock.NewRows(groupRowColumns).
				AddRow(groupRow(g1, groupForming, memberInvited)...).
				AddRow(groupRow(g2, groupConfirmed, memberAccepted)...))
		mock.ExpectQuery(`m\.group_match_id = ANY\(\$1::uuid\[\]\)`).
			WillReturnRows(sqlmock.NewRows(groupMemberColumns).
				AddRow(memberRow(g1, me, memberInvited, 1, "me")...).
				AddRow(memberRow(g1, other, memberDeclined, 2, "other")...).
				AddRow(memberRow(g2, me, memberAccepted, 1, "me")...))
		mock.ExpectQuery(`FROM group_match_venues v`).
			WillReturnRows(sqlmock.NewRows(groupVenueColumns).
				AddRow(uuid.NewString(), g2.String(), "restaurant", "manual", nil, "Midtown Meetup Spot", nil, "Midtown"))

		w := serve(groupMatchesHandler(db), newRequest(http.MethodGet, "/api/v1/group-matches", "", me, nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		groups := decodeBody[[]GroupMatch](t, w)
		require.Len(t, groups, 2)
		assert.Equal(t, map[string]int{memberInvited: 1, memberDeclined: 1}, groups[0].MemberCounts)
		assert.Nil(t, groups[0].Venue)
		assert.Len(t, groups[1].Members, 1)
		require.NotNil(t, groups[1].Venue)
		assert.Equal(t, "Midtown Meetup Spot", groups[1].Venue.NameSnapshot)
		require.NotNil(t, groups[1].Venue.NeighborhoodSnapshot)
		assert.Equal(t, "Midtown", *groups[1].Venue.NeighborhoodSnapshot)
	})

	t.Run("empty list skips the detail queries", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`FROM group_matches g`).
			WithArgs(me, true, 5, 10).
			WillReturnRows(sqlmock.NewRows(groupRowColumns))

		w := serve(groupMatchesHandler(db),
			newRequest(http.MethodGet, "/api/v1/group-matches?include_inactive_memberships=true&limit=5&offset=10", "", me, nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})

	t.Run("bad query", func(t *testing.T) {
		db, _ := newMockDB(t)
		w := serve(groupMatchesHandler(db), newRequest(http.MethodGet, "/?include_inactive_memberships=maybe", "", me, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_include_inactive", errorCode(t, w))

		w = serve(groupMatchesHandler(db), newRequest(http.MethodGet, "/?limit=0", "", me, nil))
		assert.Equal(t, "invalid_pagination", errorCode(t, w))
	})
}

func TestGroupMatchHandler(t *testing.T) {
	me, groupID := uuid.New(), uuid.New()

	db, mock := newMockDB(t)
	mock.ExpectQuery(`WHERE g\.id = \$1 AND m\.user_id = \$2`).WithArgs(groupID, me).
		WillReturnError(sql.ErrNoRows)

	w := serve(groupMatchHandler(db), newRequest(http.MethodGet, "/", "", me, map[string]string{"groupID": groupID.String()}))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(t, w))
}
