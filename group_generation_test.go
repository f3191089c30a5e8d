package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqID returns ids that sort in n order, so tie-breaks are predictable.
func seqID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

func generateRequestFor(body string) *http.Request {
	if body == "" {
		return httptest.NewRequest(http.MethodPost, "/api/v1/admin/group-matches/generate", nil)
	}
	return httptest.NewRequest(http.MethodPost, "/api/v1/admin/group-matches/generate", strings.NewReader(body))
}

func expectGenerationStart(mock sqlmock.Sqlmock, openToMeetups bool, eligible *sqlmock.Rows, active *sqlmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\('group_match_generation'\)\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`WHERE u\.discoverable = TRUE AND u\.open_to_meetups = \$1`).
		WithArgs(openToMeetups).
		WillReturnRows(eligible)
	mock.ExpectQuery(`SELECT DISTINCT m\.user_id`).WillReturnRows(active)
}

func TestGenerateGroupMatchesHandler(t *testing.T) {
	u1, u2, u3, u4, u5 := seqID(1), seqID(2), seqID(3), seqID(4), seqID(5)

	t.Run("persists one group and skips users already grouped", func(t *testing.T) {
		db, mock := newMockDB(t)
		groupID := uuid.New()
		expectGenerationStart(mock, true,
			sqlmock.NewRows([]string{"id", "neighborhood"}).
				AddRow(u1.String(), "Midtown").
				AddRow(u2.String(), nil).
				AddRow(u3.String(), " Midtown").
				AddRow(u4.String(), nil).
				AddRow(u5.String(), "Midtown"),
			sqlmock.NewRows([]string{"user_id"}).AddRow(u5.String()))
		mock.ExpectQuery(`FROM user_hobbies uh`).WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "code"}).
				AddRow(u1.String(), "chess").
				AddRow(u2.String(), "chess").
				AddRow(u3.String(), "cooking").
				AddRow(u4.String(), "chess"))
		mock.ExpectQuery(`INSERT INTO group_matches`).WithArgs(modeInPerson).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(groupID.String()))
		// u3 joins first on the neighborhood bonus, u4 beats u2 on the id tie-break
		mock.ExpectExec(`INSERT INTO group_match_members`).
			WithArgs(groupID, pq.Array(uuidStrings([]uuid.UUID{u1, u3, u4, u2}))).
			WillReturnResult(sqlmock.NewResult(0, 4))
		mock.ExpectExec(`INSERT INTO group_match_venues`).
			WithArgs(groupID, "restaurant", "Midtown Meetup Spot").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w := serve(generateGroupMatchesHandler(db), generateRequestFor(`{}`))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decodeBody[GenerateResponse](t, w)
		assert.Equal(t, strategyHeuristic, resp.StrategyUsed)
		assert.False(t, resp.DryRun)
		assert.Equal(t, 1, resp.CreatedGroups)
		assert.Equal(t, 1, resp.SkippedUsers)
		assert.Equal(t, map[string]int{skipActiveGroup: 1}, resp.SkipReasons)
		require.Len(t, resp.Groups, 1)
		g := resp.Groups[0]
		require.NotNil(t, g.GroupMatchID)
		assert.Equal(t, groupID, *g.GroupMatchID)
		assert.Equal(t, groupForming, g.Status)
		assert.Equal(t, []uuid.UUID{u1, u3, u4, u2}, g.MemberIDs)
		require.NotNil(t, g.VenueName)
		assert.Equal(t, "Midtown Meetup Spot", *g.VenueName)
		assert.Equal(t, 1, g.ScoreSummary.SameNeighborhoodPairs)
		assert.Equal(t, 0.5, g.ScoreSummary.AvgPairHobbyOverlap)
	})

	t.Run("dry run stops at max_groups without writing", func(t *testing.T) {
		db, mock := newMockDB(t)
		eligible := sqlmock.NewRows([]string{"id", "neighborhood"})
		hobbies := sqlmock.NewRows([]string{"user_id", "code"})
		for _, id := range []uuid.UUID{u1, u2, u3, u4, u5} {
			eligible.AddRow(id.String(), nil)
			hobbies.AddRow(id.String(), "film")
		}
		expectGenerationStart(mock, false, eligible, sqlmock.NewRows([]string{"user_id"}))
		mock.ExpectQuery(`FROM user_hobbies uh`).WillReturnRows(hobbies)
		mock.ExpectCommit()

		body := `{"mode":"chat_only","dry_run":true,"max_groups":1}`
		w := serve(generateGroupMatchesHandler(db), generateRequestFor(body))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decodeBody[GenerateResponse](t, w)
		assert.True(t, resp.DryRun)
		assert.Zero(t, resp.CreatedGroups)
		assert.Equal(t, map[string]int{skipMaxGroups: 1}, resp.SkipReasons)
		require.Len(t, resp.Groups, 1)
		assert.Nil(t, resp.Groups[0].GroupMatchID)
		assert.Nil(t, resp.Groups[0].VenueName)
		assert.Equal(t, modeChatOnly, resp.Groups[0].Mode)
		assert.Equal(t, 1.0, resp.Groups[0].ScoreSummary.AvgPairHobbyOverlap)
	})

	t.Run("too few candidates with an empty body", func(t *testing.T) {
		db, mock := newMockDB(t)
		expectGenerationStart(mock, true,
			sqlmock.NewRows([]string{"id", "neighborhood"}).
				AddRow(u1.String(), nil).
				AddRow(u2.String(), nil).
				AddRow(u3.String(), nil),
			sqlmock.NewRows([]string{"user_id"}))
		mock.ExpectQuery(`FROM user_hobbies uh`).WillReturnRows(sqlmock.NewRows([]string{"user_id", "code"}))
		mock.ExpectCommit()

		w := serve(generateGroupMatchesHandler(db), generateRequestFor(""))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decodeBody[GenerateResponse](t, w)
		assert.Empty(t, resp.Groups)
		assert.Equal(t, 3, resp.SkippedUsers)
		assert.Equal(t, map[string]int{skipInsufficient: 3}, resp.SkipReasons)
	})

	t.Run("database failure rolls back", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnError(fmt.Errorf("boom"))
		mock.ExpectRollback()

		w := serve(generateGroupMatchesHandler(db), generateRequestFor(`{}`))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestGenerateGroupMatchesRejectsRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		code    string
		details map[string]interface{}
	}{
		{name: "unsupported size", body: `{"target_group_size":5}`, code: "unsupported_group_size"},
		{name: "vector strategy", body: `{"strategy":"vector_hybrid"}`, code: "unsupported_strategy"},
		{name: "unknown mode", body: `{"mode":"online"}`, code: "validation_error", details: map[string]interface{}{"mode": "oneof"}},
		{name: "zero groups", body: `{"max_groups":0}`, code: "validation_error", details: map[string]interface{}{"max_groups": "min"}},
		{name: "size out of range", body: `{"target_group_size":9}`, code: "validation_error", details: map[string]interface{}{"target_group_size": "max"}},
		{name: "bad json", body: `{"mode":`, code: "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _ := newMockDB(t)
			w := serve(generateGroupMatchesHandler(db), generateRequestFor(tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeBody[map[string]interface{}](t, w)
			assert.Equal(t, tt.code, body["error"])
			if tt.details != nil {
				assert.Equal(t, tt.details, body["details"])
			}
		})
	}
}

func TestVenueName(t *testing.T) {
	assert.Nil(t, venueName(nil, modeChatOnly))
	assert.Equal(t, "Proximity Meetup Spot", *venueName(nil, modeInPerson))
}
