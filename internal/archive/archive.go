package archive

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("game record not found")

// GameRecord is the history row written when a session ends. It is never read
// back to resume a game.
type GameRecord struct {
	GameID    string
	Color     string
	Status    string
	Reason    string
	Moves     []string
	MovesSent int
	Epoch     string
	StartedAt time.Time
	EndedAt   time.Time
}

func (g GameRecord) Duration() time.Duration {
	d := g.EndedAt.Sub(g.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

type Repository interface {
	Save(ctx context.Context, rec GameRecord) error
	Get(ctx context.Context, gameID string) (*GameRecord, error)
	Recent(ctx context.Context, limit int) ([]GameRecord, error)
}
