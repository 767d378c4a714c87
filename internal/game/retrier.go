package game

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FailureClass separates faults worth retrying from rejections that would
// only repeat.
type FailureClass int

const (
	Retryable FailureClass = iota
	Terminal
)

func (c FailureClass) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "retryable"
}

var terminalPatterns = []string{
	"not your turn",
	"invalid move",
	"invalid uci",
	"not a participant",
}

// Classify matches the error text case-insensitively against the server's
// rejection messages. Cancellation is terminal; everything else is retryable.
func Classify(err error) FailureClass {
	if err == nil {
		return Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Terminal
	}
	msg := strings.ToLower(err.Error())
	for _, p := range terminalPatterns {
		if strings.Contains(msg, p) {
			return Terminal
		}
	}
	return Retryable
}

// MoveSender submits one move.
type MoveSender interface {
	MakeMove(ctx context.Context, gameID, move string) error
}

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

type Retrier struct {
	sender     MoveSender
	maxRetries int
	delay      time.Duration
	logger     *zap.Logger
}

func NewRetrier(sender MoveSender, maxRetries int, delay time.Duration, logger *zap.Logger) *Retrier {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if delay < 0 {
		delay = DefaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{sender: sender, maxRetries: maxRetries, delay: delay, logger: logger}
}

// Send reports whether the server confirmed the move. maxRetries counts total
// attempts; terminal rejections stop after the first.
func (r *Retrier) Send(ctx context.Context, gameID, move string) bool {
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		err := r.sender.MakeMove(ctx, gameID, move)
		if err == nil {
			r.logger.Info("move_sent", zap.String("game_id", gameID), zap.String("move", move), zap.Int("attempt", attempt))
			return true
		}
		class := Classify(err)
		r.logger.Warn("move_send_failed",
			zap.String("game_id", gameID),
			zap.String("move", move),
			zap.Int("attempt", attempt),
			zap.Stringer("class", class),
			zap.Error(err),
		)
		if class == Terminal || attempt == r.maxRetries {
			return false
		}
		if err := sleepCtx(ctx, r.delay); err != nil {
			return false
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
