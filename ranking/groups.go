package ranking

import (
	"math"
	"strings"
)

// GroupCandidate is one user eligible for a group.
type GroupCandidate struct {
	ID           string
	Hobbies      []string
	Neighborhood string
}

// GroupOptions bounds ProposeGroups.
type GroupOptions struct {
	TargetSize                int
	MaxGroups                 int
	SameNeighborhoodPreferred bool
}

// GroupScore summarizes every member pair of a proposed group.
type GroupScore struct {
	AvgPairHobbyOverlap   float64 `json:"avg_pair_hobby_overlap"`
	SameNeighborhoodPairs int     `json:"same_neighborhood_pairs"`
}

// ProposedGroup is a full group in slot order; the anchor comes first.
type ProposedGroup struct {
	Members []GroupCandidate
	Score   GroupScore
}

// groupMember caches the normalized forms used by every comparison.
type groupMember struct {
	GroupCandidate
	set          map[string]struct{}
	hobbies      []string
	neighborhood string
}

type candidateScore struct {
	weighted, overlap, sameNeighborhood int
	id                                  string
}

// beats orders scores descending on every component, the id last so the choice is total.
func (a candidateScore) beats(b candidateScore) bool {
	if a.weighted != b.weighted {
		return a.weighted > b.weighted
	}
	if a.overlap != b.overlap {
		return a.overlap > b.overlap
	}
	if a.sameNeighborhood != b.sameNeighborhood {
		return a.sameNeighborhood > b.sameNeighborhood
	}
	return a.id > b.id
}

func normalizeNeighborhood(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func scoreCandidate(c groupMember, group []groupMember, sameNeighborhood bool) candidateScore {
	s := candidateScore{id: c.ID}
	for _, m := range group {
		s.overlap += len(overlap(m.set, c.hobbies))
		if sameNeighborhood && c.neighborhood != "" && c.neighborhood == m.neighborhood {
			s.sameNeighborhood++
		}
	}
	s.weighted = s.overlap + 2*s.sameNeighborhood
	return s
}

func scoreGroup(group []groupMember) GroupScore {
	var total, pairs, same int
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			total += len(overlap(group[i].set, group[j].hobbies))
			pairs++
			if group[i].neighborhood != "" && group[i].neighborhood == group[j].neighborhood {
				same++
			}
		}
	}
	var avg float64
	if pairs > 0 {
		avg = math.Round(float64(total)/float64(pairs)*1000) / 1000
	}
	return GroupScore{AvgPairHobbyOverlap: avg, SameNeighborhoodPairs: same}
}

// ProposeGroups greedily forms groups of opts.TargetSize. The first remaining candidate
// anchors each group, and members are added one at a time by their hobby overlap with the
// members so far, plus 2 per same-neighborhood member when preferred. It stops at
// opts.MaxGroups or when too few candidates remain, and returns how many were not placed.
// Pool order is significant: it decides the anchors.
func ProposeGroups(pool []GroupCandidate, opts GroupOptions) ([]ProposedGroup, int) {
	if opts.TargetSize < 1 {
		return nil, len(pool)
	}
	remaining := make([]groupMember, len(pool))
	for i, c := range pool {
		hobbies := NormalizeHobbies(c.Hobbies)
		remaining[i] = groupMember{
			GroupCandidate: c,
			set:            hobbySet(hobbies),
			hobbies:        hobbies,
			neighborhood:   normalizeNeighborhood(c.Neighborhood),
		}
	}

	var groups []ProposedGroup
	for len(remaining) > 0 && len(groups) < opts.MaxGroups {
		group := []groupMember{remaining[0]}
		candidates := append([]groupMember(nil), remaining[1:]...)

		for len(group) < opts.TargetSize && len(candidates) > 0 {
			best, bestScore := 0, scoreCandidate(candidates[0], group, opts.SameNeighborhoodPreferred)
			for i := 1; i < len(candidates); i++ {
				if s := scoreCandidate(candidates[i], group, opts.SameNeighborhoodPreferred); s.beats(bestScore) {
					best, bestScore = i, s
				}
			}
			group = append(group, candidates[best])
			candidates = append(candidates[:best], candidates[best+1:]...)
		}
		if len(group) < opts.TargetSize {
			break
		}

		members := make([]GroupCandidate, len(group))
		placed := make(map[string]struct{}, len(group))
		for i, m := range group {
			members[i] = m.GroupCandidate
			placed[m.ID] = struct{}{}
		}
		groups = append(groups, ProposedGroup{Members: members, Score: scoreGroup(group)})

		kept := remaining[:0]
		for _, m := range remaining {
			if _, ok := placed[m.ID]; !ok {
				kept = append(kept, m)
			}
		}
		remaining = kept
	}
	return groups, len(remaining)
}
