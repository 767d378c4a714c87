package chess

import (
	"time"

	"github.com/park285/cheese-lichess-bot/internal/chess/uci"
)

const DefaultDepth = 8

// resolveLimits picks a time budget when one is given, else a depth. A
// request with neither falls back to the engine defaults.
func resolveLimits(moveTime time.Duration, depth int, defaultTime time.Duration, defaultDepth int) uci.Limits {
	if moveTime > 0 {
		return uci.Limits{MoveTimeMillis: millis(moveTime)}
	}
	if depth > 0 {
		return uci.Limits{Depth: depth}
	}
	if defaultTime > 0 {
		return uci.Limits{MoveTimeMillis: millis(defaultTime)}
	}
	if defaultDepth <= 0 {
		defaultDepth = DefaultDepth
	}
	return uci.Limits{Depth: defaultDepth}
}

func millis(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}
