package ranking

import (
	"sort"
	"strings"
)

// NormalizeHobby lowercases s, trims it and collapses inner whitespace runs.
func NormalizeHobby(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeHobbies returns the de-duplicated, normalized hobbies in first-seen order.
// Entries that are empty after normalization are dropped.
func NormalizeHobbies(hobbies []string) []string {
	out := make([]string, 0, len(hobbies))
	seen := make(map[string]struct{}, len(hobbies))
	for _, h := range hobbies {
		n := NormalizeHobby(h)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func hobbySet(hobbies []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hobbies))
	for _, h := range NormalizeHobbies(hobbies) {
		set[h] = struct{}{}
	}
	return set
}

// overlap returns the sorted intersection of set and the normalized hobbies.
func overlap(set map[string]struct{}, hobbies []string) []string {
	shared := make([]string, 0)
	for _, h := range NormalizeHobbies(hobbies) {
		if _, ok := set[h]; ok {
			shared = append(shared, h)
		}
	}
	sort.Strings(shared)
	return shared
}

// matchesFilter reports whether filter occurs in the joined hobby list.
// filter must already be normalized with NormalizeHobby.
func matchesFilter(hobbies []string, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.Join(NormalizeHobbies(hobbies), ", "), filter)
}
