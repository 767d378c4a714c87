package analysis

import (
	"github.com/park285/cheese-lichess-bot/internal/board"
)

// Tracker mirrors the front-end's move list on one connection. A list that
// extends the previous one is applied incrementally; anything else replays
// from the start.
type Tracker struct {
	pos  *board.Position
	sans []string
}

func NewTracker() *Tracker {
	return &Tracker{pos: board.New()}
}

// Sync brings the board to moves. On a bad token the board is left at the
// initial position and the error is returned.
func (t *Tracker) Sync(moves []string) error {
	if len(moves) <= len(t.sans) || !hasPrefix(moves, t.sans) {
		t.Reset()
	}
	for i := len(t.sans); i < len(moves); i++ {
		if err := t.pos.Push(moves[i]); err != nil {
			t.Reset()
			return err
		}
		t.sans = append(t.sans, moves[i])
	}
	return nil
}

func (t *Tracker) Reset() {
	t.pos = board.New()
	t.sans = nil
}

func (t *Tracker) Position() *board.Position { return t.pos }

func (t *Tracker) Ply() int { return len(t.sans) }

func hasPrefix(list, prefix []string) bool {
	if len(prefix) > len(list) {
		return false
	}
	for i := range prefix {
		if list[i] != prefix[i] {
			return false
		}
	}
	return true
}
