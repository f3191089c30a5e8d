package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"gitea.kood.tech/petrkubec/proximity/backend/ranking"
)

const (
	modeInPerson = "in_person"
	modeChatOnly = "chat_only"

	strategyHeuristic = "heuristic"

	// groupSize is the only group size generation supports, and the number of
	// accepted members that confirms a group.
	groupSize = 4

	skipActiveGroup  = "already_in_active_group"
	skipMaxGroups    = "max_groups_cap_reached"
	skipInsufficient = "insufficient_candidates"
)

type generateRequest struct {
	Mode                      string `json:"mode" validate:"omitempty,oneof=in_person chat_only"`
	Strategy                  string `json:"strategy" validate:"omitempty,oneof=heuristic vector_hybrid"`
	MaxGroups                 *int   `json:"max_groups" validate:"omitempty,min=1,max=100"`
	TargetGroupSize           *int   `json:"target_group_size" validate:"omitempty,min=2,max=8"`
	SameNeighborhoodPreferred *bool  `json:"same_neighborhood_preferred"`
	DryRun                    bool   `json:"dry_run"`
}

// generateParams is a generateRequest with every default applied.
type generateParams struct {
	Mode                      string
	Strategy                  string
	MaxGroups                 int
	TargetGroupSize           int
	SameNeighborhoodPreferred bool
	DryRun                    bool
}

func (r generateRequest) params() generateParams {
	p := generateParams{
		Mode:                      modeInPerson,
		Strategy:                  strategyHeuristic,
		MaxGroups:                 5,
		TargetGroupSize:           groupSize,
		SameNeighborhoodPreferred: true,
		DryRun:                    r.DryRun,
	}
	if r.Mode != "" {
		p.Mode = r.Mode
	}
	if r.Strategy != "" {
		p.Strategy = r.Strategy
	}
	if r.MaxGroups != nil {
		p.MaxGroups = *r.MaxGroups
	}
	if r.TargetGroupSize != nil {
		p.TargetGroupSize = *r.TargetGroupSize
	}
	if r.SameNeighborhoodPreferred != nil {
		p.SameNeighborhoodPreferred = *r.SameNeighborhoodPreferred
	}
	return p
}

// GeneratedGroup describes one proposed group. GroupMatchID is null on dry runs.
type GeneratedGroup struct {
	GroupMatchID *uuid.UUID         `json:"group_match_id"`
	Mode         string             `json:"mode"`
	Status       string             `json:"status"`
	MemberIDs    []uuid.UUID        `json:"member_ids"`
	VenueName    *string            `json:"venue_name"`
	ScoreSummary ranking.GroupScore `json:"score_summary"`
}

type GenerateResponse struct {
	StrategyUsed  string           `json:"strategy_used"`
	DryRun        bool             `json:"dry_run"`
	CreatedGroups int              `json:"created_groups"`
	SkippedUsers  int              `json:"skipped_users"`
	SkipReasons   map[string]int   `json:"skip_reasons"`
	Groups        []GeneratedGroup `json:"groups"`
}

// eligibleForGroups returns discoverable users whose meetup preference fits mode, oldest first.
func eligibleForGroups(ctx context.Context, tx *sql.Tx, mode string) ([]ranking.GroupCandidate, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT u.id, u.neighborhood
		FROM users u
		WHERE u.discoverable = TRUE AND u.open_to_meetups = $1
		ORDER BY u.created_at ASC, u.id ASC
	`, mode == modeInPerson)
	if err != nil {
		return nil, fmt.Errorf("query eligible users: %w", err)
	}
	defer rows.Close()

	var out []ranking.GroupCandidate
	for rows.Next() {
		var (
			id           uuid.UUID
			neighborhood sql.NullString
		)
		if err := rows.Scan(&id, &neighborhood); err != nil {
			return nil, fmt.Errorf("scan eligible user: %w", err)
		}
		out = append(out, ranking.GroupCandidate{ID: id.String(), Neighborhood: neighborhood.String})
	}
	return out, rows.Err()
}

// activeGroupMembers returns users holding an open invitation or seat in a live group.
func activeGroupMembers(ctx context.Context, tx *sql.Tx) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT m.user_id
		FROM group_match_members m
		JOIN group_matches g ON g.id = m.group_match_id
		WHERE g.status IN ('forming', 'confirmed', 'scheduled')
		  AND m.status IN ('invited', 'accepted')
	`)
	if err != nil {
		return nil, fmt.Errorf("query active group members: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active group member: %w", err)
		}
		out[id.String()] = struct{}{}
	}
	return out, rows.Err()
}

func venueName(members []ranking.GroupCandidate, mode string) *string {
	if mode == modeChatOnly {
		return nil
	}
	name := "Proximity Meetup Spot"
	for _, m := range members {
		if n := trimmedOrNull(m.Neighborhood); n.Valid {
			name = n.String + " Meetup Spot"
			break
		}
	}
	return &name
}

// persistGroup inserts the group, its invited members in slot order and its venue.
func persistGroup(ctx context.Context, tx *sql.Tx, g GeneratedGroup) (uuid.UUID, error) {
	var id uuid.UUID
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO group_matches (status, group_match_mode, created_source)
		VALUES ('forming', $1, 'system')
		RETURNING id
	`, g.Mode).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("insert group match: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_match_members (group_match_id, user_id, status, slot_number)
		SELECT $1, m.user_id, 'invited', m.slot
		FROM unnest($2::uuid[]) WITH ORDINALITY AS m(user_id, slot)
	`, id, pq.Array(uuidStrings(g.MemberIDs))); err != nil {
		return uuid.Nil, fmt.Errorf("insert group members: %w", err)
	}

	if g.VenueName != nil {
		kind := "custom"
		if g.Mode == modeInPerson {
			kind = "restaurant"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_match_venues (group_match_id, venue_kind, source, name_snapshot)
			VALUES ($1, $2, 'manual', $3)
		`, id, kind, *g.VenueName); err != nil {
			return uuid.Nil, fmt.Errorf("insert group venue: %w", err)
		}
	}
	return id, nil
}

// generateGroupMatches proposes groups from users not already in a live group and,
// unless p.DryRun, stores them as forming groups with invited members.
func generateGroupMatches(ctx context.Context, tx *sql.Tx, p generateParams) (GenerateResponse, error) {
	// one generation at a time, otherwise two runs could place the same user twice
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('group_match_generation'))`); err != nil {
		return GenerateResponse{}, fmt.Errorf("lock group generation: %w", err)
	}

	eligible, err := eligibleForGroups(ctx, tx, p.Mode)
	if err != nil {
		return GenerateResponse{}, err
	}
	active, err := activeGroupMembers(ctx, tx)
	if err != nil {
		return GenerateResponse{}, err
	}

	skip := map[string]int{}
	pool := make([]ranking.GroupCandidate, 0, len(eligible))
	ids := make([]uuid.UUID, 0, len(eligible))
	for _, c := range eligible {
		if _, busy := active[c.ID]; busy {
			skip[skipActiveGroup]++
			continue
		}
		pool = append(pool, c)
		ids = append(ids, uuid.MustParse(c.ID))
	}

	hobbies, err := fetchHobbies(ctx, tx, ids)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("load hobbies: %w", err)
	}
	for i := range pool {
		pool[i].Hobbies = hobbies[ids[i]]
	}

	proposed, unassigned := ranking.ProposeGroups(pool, ranking.GroupOptions{
		TargetSize:                p.TargetGroupSize,
		MaxGroups:                 p.MaxGroups,
		SameNeighborhoodPreferred: p.SameNeighborhoodPreferred,
	})
	if unassigned > 0 {
		if len(proposed) >= p.MaxGroups {
			skip[skipMaxGroups] += unassigned
		} else {
			skip[skipInsufficient] += unassigned
		}
	}

	resp := GenerateResponse{
		StrategyUsed: p.Strategy,
		DryRun:       p.DryRun,
		SkipReasons:  skip,
		Groups:       make([]GeneratedGroup, 0, len(proposed)),
	}
	for _, n := range skip {
		resp.SkippedUsers += n
	}

	for _, pg := range proposed {
		g := GeneratedGroup{
			Mode:         p.Mode,
			Status:       groupForming,
			MemberIDs:    make([]uuid.UUID, len(pg.Members)),
			VenueName:    venueName(pg.Members, p.Mode),
			ScoreSummary: pg.Score,
		}
		for i, m := range pg.Members {
			g.MemberIDs[i] = uuid.MustParse(m.ID)
		}
		if !p.DryRun {
			id, err := persistGroup(ctx, tx, g)
			if err != nil {
				return GenerateResponse{}, err
			}
			g.GroupMatchID = &id
			resp.CreatedGroups++
		}
		resp.Groups = append(resp.Groups, g)
	}
	return resp, nil
}

// POST /api/v1/admin/group-matches/generate
func generateGroupMatchesHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		if !validateBody(w, &req) {
			return
		}
		p := req.params()
		if p.TargetGroupSize != groupSize {
			writeError(w, http.StatusBadRequest, "unsupported_group_size")
			return
		}
		if p.Strategy != strategyHeuristic {
			// vector_hybrid needs an embedding store this service does not run
			writeError(w, http.StatusBadRequest, "unsupported_strategy")
			return
		}

		var resp GenerateResponse
		err := withTx(r.Context(), db, func(tx *sql.Tx) error {
			var err error
			resp, err = generateGroupMatches(r.Context(), tx, p)
			return err
		})
		if err != nil {
			log.Error().Err(err).Msg("generate group matches")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		observeGroupGeneration(p.Mode, p.DryRun, len(resp.Groups))
		log.Info().
			Str("mode", p.Mode).
			Bool("dry_run", p.DryRun).
			Int("groups", len(resp.Groups)).
			Int("skipped", resp.SkippedUsers).
			Msg("group matches generated")
		writeJSON(w, http.StatusOK, resp)
	}
}
