package game

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

// LineStream is a push subscription of raw snapshots.
type LineStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Server is the per-game slice of the remote API a session needs.
type Server interface {
	StreamGame(ctx context.Context, gameID string) (LineStream, error)
	ExportGame(ctx context.Context, gameID string) ([]byte, error)
	MakeMove(ctx context.Context, gameID, move string) error
}

type State int

const (
	StateStreamAttempt State = iota
	StateStreaming
	StatePolling
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateStreamAttempt:
		return "stream_attempt"
	case StateStreaming:
		return "streaming"
	case StatePolling:
		return "polling"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type SessionConfig struct {
	PollInterval time.Duration
	ErrorPause   time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = time.Second
	}
	return c
}

// Result summarises a finished session.
type Result struct {
	GameID    string
	Color     Color
	Status    string
	Reason    string
	Moves     []string
	MovesSent int
	StartedAt time.Time
	EndedAt   time.Time
}

// Session drives one game from first snapshot to a terminal status. It is
// owned by a single goroutine; nothing here is shared.
type Session struct {
	gameID string
	color  Color

	server  Server
	source  *MoveSource
	retrier *Retrier
	cfg     SessionConfig
	logger  *zap.Logger

	state         State
	lastProcessed int
	movesSent     int
	status        string
	reason        string
	lastMoves     []string
}

func NewSession(gameID string, color Color, server Server, source *MoveSource, retrier *Retrier, cfg SessionConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		gameID:        gameID,
		color:         color,
		server:        server,
		source:        source.ForGame(),
		retrier:       retrier,
		cfg:           cfg.withDefaults(),
		logger:        logger.With(zap.String("game_id", gameID), zap.String("color", string(color))),
		state:         StateStreamAttempt,
		lastProcessed: NoneProcessed,
	}
}

func (s *Session) GameID() string     { return s.gameID }
func (s *Session) Color() Color       { return s.color }
func (s *Session) State() State       { return s.state }
func (s *Session) LastProcessed() int { return s.lastProcessed }

// Run blocks until the game ends or ctx is cancelled.
func (s *Session) Run(ctx context.Context) Result {
	started := time.Now()
	s.logger.Info("session_start")
	for s.state != StateEnded {
		if ctx.Err() != nil {
			s.end("", "cancelled")
			break
		}
		switch s.state {
		case StateStreamAttempt:
			stream, err := s.server.StreamGame(ctx, s.gameID)
			if err != nil {
				s.logger.Info("stream_unavailable", zap.Error(err))
				s.transition(StatePolling)
				continue
			}
			s.transition(StateStreaming)
			s.stream(ctx, stream)
		case StatePolling:
			s.poll(ctx)
		default:
			s.end("", "invalid_state")
		}
	}
	res := Result{
		GameID:    s.gameID,
		Color:     s.color,
		Status:    s.status,
		Reason:    s.reason,
		Moves:     s.lastMoves,
		MovesSent: s.movesSent,
		StartedAt: started,
		EndedAt:   time.Now(),
	}
	s.logger.Info("session_end",
		zap.String("status", res.Status),
		zap.String("reason", res.Reason),
		zap.Int("moves_sent", res.MovesSent),
	)
	return res
}

func (s *Session) stream(ctx context.Context, stream LineStream) {
	defer stream.Close()
	for s.state == StateStreaming {
		line, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.end("", "cancelled")
				return
			}
			s.logger.Warn("stream_broken", zap.Error(err))
			s.transition(StatePolling)
			return
		}
		if err := s.handle(ctx, line); err != nil {
			s.logger.Error("snapshot_failed", zap.Error(err))
			_ = sleepCtx(ctx, s.cfg.ErrorPause)
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	for s.state == StatePolling {
		raw, err := s.server.ExportGame(ctx, s.gameID)
		switch {
		case err == nil:
			if err := s.handle(ctx, raw); err != nil {
				s.logger.Error("snapshot_failed", zap.Error(err))
			}
		case ctx.Err() != nil:
			s.end("", "cancelled")
			return
		case gameGone(err):
			s.logger.Warn("poll_game_gone", zap.Error(err))
			s.end("", "not_found")
			return
		default:
			s.logger.Warn("poll_failed", zap.Error(err))
		}
		if s.state != StatePolling {
			return
		}
		if err := sleepCtx(ctx, s.cfg.PollInterval); err != nil {
			s.end("", "cancelled")
			return
		}
	}
}

// handle processes one raw snapshot. A panic is converted to an error so the
// caller's loop survives it.
func (s *Session) handle(ctx context.Context, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing snapshot: %v", r)
		}
	}()
	s.Apply(ctx, board.ParseSnapshot(raw))
	return nil
}

// Apply runs status check, arbitration, move selection and submission for
// one decoded snapshot.
func (s *Session) Apply(ctx context.Context, snap board.Snapshot) {
	if s.state == StateEnded {
		return
	}
	if snap.Terminal() {
		if tokens := snap.Tokens(); len(tokens) > 0 {
			s.lastMoves = tokens
		}
		s.end(snap.Status, "status")
		return
	}
	// chatLine, opponentGone and malformed payloads carry no position.
	if snap.Shape == board.ShapeEmpty {
		return
	}
	s.lastMoves = snap.Tokens()

	count := snap.MoveCount()
	if !ShouldAct(count, s.lastProcessed, s.color) {
		return
	}
	pos := board.Reconstruct(snap)
	if skipped := pos.Skipped(); len(skipped) > 0 {
		s.logger.Warn("snapshot_tokens_skipped", zap.Strings("tokens", skipped))
	}
	move, ok := s.source.RequestMove(ctx, pos)
	if !ok {
		return
	}
	if s.retrier.Send(ctx, s.gameID, move) {
		s.lastProcessed = count
		s.movesSent++
	}
}

func (s *Session) transition(next State) {
	s.logger.Debug("session_state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}

func (s *Session) end(status, reason string) {
	if s.state == StateEnded {
		return
	}
	if status != "" {
		s.status = status
	}
	s.reason = reason
	s.transition(StateEnded)
}

func gameGone(err error) bool {
	var apiErr *lichess.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
