package game

import (
	"context"

	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

type clientServer struct {
	c *lichess.Client
}

// NewServer adapts a Lichess client to Server.
func NewServer(c *lichess.Client) Server {
	return clientServer{c: c}
}

func (s clientServer) StreamGame(ctx context.Context, gameID string) (LineStream, error) {
	st, err := s.c.StreamGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s clientServer) ExportGame(ctx context.Context, gameID string) ([]byte, error) {
	return s.c.ExportGame(ctx, gameID)
}

func (s clientServer) MakeMove(ctx context.Context, gameID, move string) error {
	return s.c.MakeMove(ctx, gameID, move)
}
