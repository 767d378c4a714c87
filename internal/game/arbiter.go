package game

import "strings"

// NoneProcessed is the initial lastProcessed value: no move count acted on yet.
const NoneProcessed = -1

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// ParseColor accepts "white"/"black" in any case.
func ParseColor(s string) (Color, bool) {
	switch Color(strings.ToLower(strings.TrimSpace(s))) {
	case White:
		return White, true
	case Black:
		return Black, true
	default:
		return "", false
	}
}

// SideToMove derives the side to move from ply parity alone.
func SideToMove(moveCount int) Color {
	if moveCount%2 == 0 {
		return White
	}
	return Black
}

// ShouldAct reports whether the bot owes a move for this snapshot. Inequality,
// not ordering, is the dedupe rule: a repeated count never acts twice, and a
// count that appears to go backwards is treated as new.
func ShouldAct(moveCount, lastProcessed int, color Color) bool {
	if moveCount < 0 {
		return false
	}
	return SideToMove(moveCount) == color && moveCount != lastProcessed
}
