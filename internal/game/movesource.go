package game

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/chess"
)

// Backend is the move-selection engine.
type Backend interface {
	BestMove(ctx context.Context, req chess.MoveRequest) (string, error)
}

// Budget bounds one backend call. MoveTime wins over Depth when both are set.
type Budget struct {
	MoveTime time.Duration
	Depth    int
}

// MoveSource wraps the backend so that any failure becomes "no move".
type MoveSource struct {
	backend Backend
	budget  Budget
	logger  *zap.Logger

	// fresh is set on per-game copies until the backend answers once.
	fresh bool
}

func NewMoveSource(backend Backend, budget Budget, logger *zap.Logger) *MoveSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MoveSource{backend: backend, budget: budget, logger: logger}
}

// ForGame returns a copy owned by one game session. Its first request asks
// the backend to start a new game.
func (m *MoveSource) ForGame() *MoveSource {
	if m == nil {
		return nil
	}
	c := *m
	c.fresh = true
	return &c
}

// RequestMove returns a legal coordinate move for pos, or false. Terminal
// positions never reach the backend.
func (m *MoveSource) RequestMove(ctx context.Context, pos *board.Position) (move string, ok bool) {
	if pos == nil || pos.Terminal() {
		return "", false
	}
	mv, err := m.call(ctx, pos)
	if err != nil {
		m.logger.Warn("move_source_failed", zap.String("fen", pos.FEN()), zap.Error(err))
		return "", false
	}
	if !board.ValidMove(mv) {
		m.logger.Warn("move_source_bad_grammar", zap.String("move", mv))
		return "", false
	}
	if !pos.IsLegal(mv) {
		m.logger.Warn("move_source_illegal", zap.String("move", mv), zap.String("fen", pos.FEN()))
		return "", false
	}
	return mv, true
}

func (m *MoveSource) call(ctx context.Context, pos *board.Position) (mv string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	mv, err = m.backend.BestMove(ctx, chess.MoveRequest{
		FEN:      pos.StartFEN(),
		Moves:    pos.Moves(),
		MoveTime: m.budget.MoveTime,
		Depth:    m.budget.Depth,
		NewGame:  m.fresh,
	})
	if err == nil && m.fresh {
		m.fresh = false
	}
	return mv, err
}
