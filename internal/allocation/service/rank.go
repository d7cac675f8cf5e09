package service

import (
	"sort"

	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
)

// Rank orders candidates best fit first: least leftover capacity after
// taking required slots, then the smaller account kind, then the lower id.
// Candidates that cannot hold required slots are dropped.
func Rank(candidates []accountdomain.Candidate, required int) []accountdomain.Candidate {
	ranked := make([]accountdomain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.FreeSlots >= required {
			ranked = append(ranked, c)
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		li := ranked[i].FreeSlots - required
		lj := ranked[j].FreeSlots - required
		if li != lj {
			return li < lj
		}
		if ranked[i].MaxProfiles != ranked[j].MaxProfiles {
			return ranked[i].MaxProfiles < ranked[j].MaxProfiles
		}
		return ranked[i].AccountID < ranked[j].AccountID
	})
	return ranked
}
