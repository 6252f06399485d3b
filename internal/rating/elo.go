package rating

import (
	"math"
)

// DefaultKFactor is the standard K used when none is configured
const DefaultKFactor = 32

// Change records a single agent's rating movement
type Change struct {
	Old   int `json:"old"`
	New   int `json:"new"`
	Delta int `json:"delta"`
}

// EloUpdate computes the pairwise Elo update for a decisive result.
// The same delta magnitude is applied to both sides so the update is
// zero-sum even after rounding. Deterministic across replicas.
func EloUpdate(winnerRating, loserRating, k int) (winner, loser Change) {
	expected := 1.0 / (1.0 + math.Pow(10, float64(loserRating-winnerRating)/400.0))
	delta := int(math.Round(float64(k) * (1.0 - expected)))

	winner = Change{Old: winnerRating, New: winnerRating + delta, Delta: delta}
	loser = Change{Old: loserRating, New: loserRating - delta, Delta: -delta}
	return winner, loser
}

// NoChange returns a zero-delta change for the given rating. Used for ties.
func NoChange(r int) Change {
	return Change{Old: r, New: r, Delta: 0}
}
