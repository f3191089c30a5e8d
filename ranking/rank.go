// Package ranking orders match candidates for a requester by shared hobbies and
// great-circle distance.
//
// Rank is a pure function: it never reads session or database state, holds no
// locks and may be called concurrently. Callers resolve the requester profile and
// the candidate pool first and pass them in explicitly.
package ranking

import (
	"math"
	"sort"
)

// DefaultMaxDistanceKm applies when a profile carries no distance preference.
const DefaultMaxDistanceKm = 10.0

// Profile is the ranker's view of a user.
type Profile struct {
	ID            string       `json:"id"`
	Hobbies       []string     `json:"hobbies"`
	Location      *Coordinates `json:"location,omitempty"`
	MaxDistanceKm *float64     `json:"max_distance_km,omitempty"`
}

// DistancePreference returns the stored preference or DefaultMaxDistanceKm.
func (p Profile) DistancePreference() float64 {
	if p.MaxDistanceKm == nil {
		return DefaultMaxDistanceKm
	}
	return *p.MaxDistanceKm
}

func (p Profile) coordinates() (Coordinates, bool) {
	if p.Location == nil || !p.Location.Valid() {
		return Coordinates{}, false
	}
	return *p.Location, true
}

// MatchSignal explains why a candidate was kept.
type MatchSignal struct {
	OverlapCount   int      `json:"hobby_overlap_count"`
	OverlapHobbies []string `json:"overlap_hobbies"`
	// DistanceKm is nil when either side has no usable location.
	DistanceKm *float64 `json:"distance_km"`
}

// RankedCandidate pairs a candidate with its signal.
type RankedCandidate struct {
	Profile Profile     `json:"profile"`
	Signal  MatchSignal `json:"signal"`
}

// Options are the per-call knobs of Rank.
type Options struct {
	// HobbyFilter keeps only candidates whose joined hobby list contains it,
	// case-insensitively. Blank means no filter.
	HobbyFilter string
	// MaxDistanceKm overrides the requester's preference when non-nil.
	// Negative or non-finite values disable the distance limit.
	MaxDistanceKm *float64
}

func (o Options) limit(requester Profile) (float64, bool) {
	limit := requester.DistancePreference()
	if o.MaxDistanceKm != nil {
		limit = *o.MaxDistanceKm
	}
	if math.IsNaN(limit) || math.IsInf(limit, 0) || limit < 0 {
		return 0, false
	}
	return limit, true
}

// Rank filters pool down to candidates sharing at least one hobby with requester
// and orders them by overlap (desc), then distance (asc, unknown last). Ties keep
// pool order. The result is never nil.
func Rank(requester Profile, pool []Profile, opts Options) []RankedCandidate {
	ranked := make([]RankedCandidate, 0)
	mine := hobbySet(requester.Hobbies)
	if len(mine) == 0 || len(pool) == 0 {
		return ranked
	}

	filter := NormalizeHobby(opts.HobbyFilter)
	limit, limited := opts.limit(requester)
	origin, hasOrigin := requester.coordinates()

	for _, candidate := range pool {
		shared := overlap(mine, candidate.Hobbies)
		if len(shared) == 0 {
			continue
		}
		if !matchesFilter(candidate.Hobbies, filter) {
			continue
		}

		signal := MatchSignal{OverlapCount: len(shared), OverlapHobbies: shared}
		if hasOrigin {
			if dest, ok := candidate.coordinates(); ok {
				d := DistanceKm(origin, dest)
				if limited && d > limit {
					continue
				}
				signal.DistanceKm = &d
			}
		}
		ranked = append(ranked, RankedCandidate{Profile: candidate, Signal: signal})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return less(ranked[i].Signal, ranked[j].Signal)
	})
	return ranked
}

func less(a, b MatchSignal) bool {
	if a.OverlapCount != b.OverlapCount {
		return a.OverlapCount > b.OverlapCount
	}
	switch {
	case a.DistanceKm != nil && b.DistanceKm != nil:
		return *a.DistanceKm < *b.DistanceKm
	case a.DistanceKm != nil:
		return true
	default:
		return false
	}
}
