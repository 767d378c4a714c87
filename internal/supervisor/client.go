package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/park285/cheese-lichess-bot/internal/game"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

// Client is everything one connection epoch talks to.
type Client interface {
	game.Server
	StreamEvents(ctx context.Context) (game.LineStream, error)
	AcceptChallenge(ctx context.Context, challengeID string) error
}

// ClientFactory builds a fresh client for every epoch.
type ClientFactory func() Client

// Epoch is one connection lifetime. Sessions keep the epoch they were spawned
// with; a reconnect never swaps the client under a running session.
type Epoch struct {
	ID        string
	Client    Client
	StartedAt time.Time
}

func newEpoch(factory ClientFactory) *Epoch {
	return &Epoch{ID: uuid.NewString(), Client: factory(), StartedAt: time.Now()}
}

type lichessClient struct {
	game.Server
	c *lichess.Client
}

// LichessFactory returns a factory that creates a new Lichess client per epoch.
func LichessFactory(newClient func() *lichess.Client) ClientFactory {
	return func() Client {
		c := newClient()
		return lichessClient{Server: game.NewServer(c), c: c}
	}
}

func (l lichessClient) StreamEvents(ctx context.Context) (game.LineStream, error) {
	s, err := l.c.StreamEvents(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (l lichessClient) AcceptChallenge(ctx context.Context, challengeID string) error {
	return l.c.AcceptChallenge(ctx, challengeID)
}
