// Package scoring ranks match candidates for a pickup point. Scoring is a
// pure function of its inputs so dispatch decisions are reproducible and
// auditable.
package scoring

import (
	"sort"

	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/models"
)

// availabilityBonus is a fixed boost for every candidate; candidates are
// available by construction.
const availabilityBonus = 5.0

type Ranked struct {
	models.Candidate
	Score float64
}

// Score computes max(0, 10 - distanceKm) + 2*rating + availabilityBonus.
func Score(c models.Candidate, pickup models.Coord) float64 {
	d := geo.HaversineKm(c.Loc, pickup)
	proximity := 10 - d
	if proximity < 0 {
		proximity = 0
	}
	return proximity + 2*c.Rating + availabilityBonus
}

// Rank returns candidates sorted by score descending. Ties break by
// distance ascending, then driver ID ascending, so identical inputs always
// yield identical ordering.
func Rank(cands []models.Candidate, pickup models.Coord) []Ranked {
	out := make([]Ranked, 0, len(cands))
	for _, c := range cands {
		out = append(out, Ranked{Candidate: c, Score: Score(c, pickup)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}
