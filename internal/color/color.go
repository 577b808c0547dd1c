// Package color provides basic color definitions for a chess game
package color

import (
	"fmt"
	"strings"
)

// Color represent a chess color, also used as a seat name
type Color string

// Possible color variations in a chess game
const (
	White Color = "white"
	Black Color = "black"
)

// Opp returns the opposite color for the given color.
func (c Color) Opp() Color {
	if c == White {
		return Black
	}

	return White
}

// Valid reports whether c is one of the two seats
func (c Color) Valid() bool {
	return c == White || c == Black
}

// Parse accepts "white"/"black" as well as the short "w"/"b" forms
func Parse(s string) (Color, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	}

	return "", fmt.Errorf("invalid color %q", s)
}
