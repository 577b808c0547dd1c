// Package rating computes Elo adjustments for completed games
package rating

import (
	"math"

	"github.com/tecu23/chess-relay/internal/color"
)

// K is the fixed Elo K-factor
const K = 32

// DefaultRating is assigned to new player profiles
const DefaultRating = 1200

// Scores for the side being rated
const (
	Win  = 1.0
	Draw = 0.5
	Loss = 0.0
)

// Expected returns the expected score of a player rated ra against rb
func Expected(ra, rb int) float64 {
	return 1 / (1 + math.Pow(10, float64(rb-ra)/400))
}

// ComputeRatingDelta returns the rating adjustments for A and B given A's score
// (1 win, 0.5 draw, 0 loss).
func ComputeRatingDelta(ratingA, ratingB int, scoreA float64) (int, int) {
	expectedA := Expected(ratingA, ratingB)
	expectedB := 1 - expectedA
	scoreB := 1 - scoreA

	deltaA := int(math.Round(K * (scoreA - expectedA)))
	deltaB := int(math.Round(K * (scoreB - expectedB)))

	return deltaA, deltaB
}

// Score returns the score of side c for a game won by winner.
// An empty winner is a draw.
func Score(winner color.Color, c color.Color) float64 {
	switch winner {
	case "":
		return Draw
	case c:
		return Win
	default:
		return Loss
	}
}
