package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/archive"
	"github.com/park285/cheese-lichess-bot/internal/game"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/registry"
)

type Config struct {
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	MaxConcurrentGames int
	ClaimTTL           time.Duration
	AcceptTimeout      time.Duration
	SendMaxRetries     int
	SendRetryDelay     time.Duration
	Session            game.SessionConfig
}

// Supervisor owns the event feed and the set of running game sessions.
type Supervisor struct {
	cfg      Config
	factory  ClientFactory
	source   *game.MoveSource
	registry registry.Registry
	archive  archive.Repository
	logger   *zap.Logger

	// instance owns every registry claim made by this process.
	instance string
	slots    chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	local map[string]struct{}
}

func New(cfg Config, factory ClientFactory, source *game.MoveSource, reg registry.Registry, arch archive.Repository, logger *zap.Logger) *Supervisor {
	if cfg.MaxConcurrentGames <= 0 {
		cfg.MaxConcurrentGames = 200
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 10 * time.Second
	}
	if reg == nil {
		reg = registry.NewMemory()
	}
	if arch == nil {
		arch = archive.NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:      cfg,
		factory:  factory,
		source:   source,
		registry: reg,
		archive:  arch,
		logger:   logger,
		instance: uuid.NewString(),
		slots:    make(chan struct{}, cfg.MaxConcurrentGames),
		local:    make(map[string]struct{}),
	}
}

// ActiveGames is the number of sessions currently holding a slot.
func (s *Supervisor) ActiveGames() int { return len(s.slots) }

// Run is the process run-loop. It returns after ctx is cancelled and every
// session has finished.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.wg.Wait()
	s.logger.Info("supervisor_started", zap.String("instance", s.instance), zap.Duration("claim_ttl", s.cfg.ClaimTTL))
	backoff := NewBackoff(s.cfg.InitialBackoff, s.cfg.MaxBackoff)
	for {
		if ctx.Err() != nil {
			return nil
		}
		epoch := newEpoch(s.factory)
		log := s.logger.With(zap.String("epoch", epoch.ID))
		log.Info("event_feed_connecting")

		opened, err := s.serve(ctx, epoch, log)
		if ctx.Err() != nil {
			log.Info("event_feed_stopped")
			return nil
		}
		if opened {
			backoff.Reset()
		}
		delay := backoff.Next()
		log.Warn("event_feed_disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
	}
}

// serve consumes one epoch's feed. opened reports whether the feed was
// established at all.
func (s *Supervisor) serve(ctx context.Context, epoch *Epoch, log *zap.Logger) (opened bool, err error) {
	stream, err := epoch.Client.StreamEvents(ctx)
	if err != nil {
		return false, fmt.Errorf("open event feed: %w", err)
	}
	defer stream.Close()
	log.Info("event_feed_connected")
	for {
		line, err := stream.Next(ctx)
		if err != nil {
			return true, err
		}
		ev, err := lichess.ParseEvent(line)
		if err != nil {
			log.Warn("event_decode_failed", zap.Error(err))
			continue
		}
		s.dispatch(ctx, epoch, ev, log)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, epoch *Epoch, ev lichess.Event, log *zap.Logger) {
	switch ev.Type {
	case lichess.EventChallenge:
		if ev.Challenge == nil || ev.Challenge.ID == "" {
			log.Warn("challenge_without_id")
			return
		}
		actx, cancel := context.WithTimeout(ctx, s.cfg.AcceptTimeout)
		defer cancel()
		if err := epoch.Client.AcceptChallenge(actx, ev.Challenge.ID); err != nil {
			log.Warn("challenge_accept_failed", zap.String("challenge_id", ev.Challenge.ID), zap.Error(err))
			return
		}
		log.Info("challenge_accepted", zap.String("challenge_id", ev.Challenge.ID))
	case lichess.EventGameStart:
		id := ev.Game.Key()
		color, ok := game.ParseColor(colorOf(ev.Game))
		if id == "" || !ok {
			log.Warn("game_start_incomplete", zap.String("game_id", id))
			return
		}
		s.spawn(ctx, epoch, id, color, log)
	case lichess.EventGameFinish:
		log.Info("game_finish_event", zap.String("game_id", ev.Game.Key()))
	default:
		log.Debug("event_ignored", zap.String("type", ev.Type))
	}
}

func colorOf(g *lichess.GameRef) string {
	if g == nil {
		return ""
	}
	return g.Color
}

func (s *Supervisor) spawn(ctx context.Context, epoch *Epoch, gameID string, color game.Color, log *zap.Logger) {
	log = log.With(zap.String("game_id", gameID))
	if !s.reserve(gameID) {
		log.Info("game_already_active")
		return
	}
	claimed, err := s.registry.Claim(ctx, gameID, s.instance, s.cfg.ClaimTTL)
	if err != nil {
		log.Warn("registry_claim_failed", zap.Error(err))
		claimed = true
	}
	if claimed {
		s.start(ctx, epoch, gameID, color, log)
		return
	}
	// Held by another owner. A live one keeps refreshing; a crashed one
	// (typically this bot before a restart) lets the claim lapse.
	log.Info("game_claimed_elsewhere")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.awaitClaim(ctx, gameID, log) {
			s.start(ctx, epoch, gameID, color, log)
			return
		}
		s.unreserve(gameID)
	}()
}

// awaitClaim retries the claim for two claim lifetimes.
func (s *Supervisor) awaitClaim(ctx context.Context, gameID string, log *zap.Logger) bool {
	ttl := s.cfg.ClaimTTL
	deadline := time.Now().Add(2 * ttl)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, ttl/4); err != nil {
			return false
		}
		ok, err := s.registry.Claim(ctx, gameID, s.instance, ttl)
		if err != nil {
			log.Warn("registry_claim_failed", zap.Error(err))
			return true
		}
		if ok {
			log.Info("game_claim_recovered")
			return true
		}
	}
	log.Info("game_owned_elsewhere")
	return false
}

// start takes a slot and runs the session. The caller holds the claim and
// the local reservation; both are given up when the session ends or the game
// is rejected.
func (s *Supervisor) start(ctx context.Context, epoch *Epoch, gameID string, color game.Color, log *zap.Logger) {
	select {
	case s.slots <- struct{}{}:
	default:
		log.Warn("game_rejected_capacity", zap.Int("max", cap(s.slots)))
		s.release(gameID, log)
		s.unreserve(gameID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		defer s.unreserve(gameID)
		defer s.release(gameID, log)

		hbCtx, stop := context.WithCancel(ctx)
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			s.heartbeat(hbCtx, gameID, log)
		}()

		res := s.runSession(ctx, epoch, gameID, color, log)
		// The heartbeat must be gone before the claim is released, or it
		// could claim the game again.
		stop()
		<-hbDone
		s.record(epoch, res, log)
	}()
}

// runSession isolates one game: a panic ends only this session.
func (s *Supervisor) runSession(ctx context.Context, epoch *Epoch, gameID string, color game.Color, log *zap.Logger) (res game.Result) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("session_panic", zap.Any("panic", r), zap.Stack("stack"))
			res = game.Result{GameID: gameID, Color: color, Reason: "panic", StartedAt: started, EndedAt: time.Now()}
		}
	}()
	retrier := game.NewRetrier(epoch.Client, s.cfg.SendMaxRetries, s.cfg.SendRetryDelay, log)
	sess := game.NewSession(gameID, color, epoch.Client, s.source, retrier, s.cfg.Session, log)
	return sess.Run(ctx)
}

// heartbeat keeps the claim alive while the session runs.
func (s *Supervisor) heartbeat(ctx context.Context, gameID string, log *zap.Logger) {
	t := time.NewTicker(max(s.cfg.ClaimTTL/3, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := s.registry.Refresh(ctx, gameID, s.instance, s.cfg.ClaimTTL)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("registry_refresh_failed", zap.Error(err))
			}
			continue
		}
		if ok {
			continue
		}
		if again, err := s.registry.Claim(ctx, gameID, s.instance, s.cfg.ClaimTTL); err != nil || !again {
			log.Warn("registry_claim_lost", zap.Error(err))
		}
	}
}

func (s *Supervisor) reserve(gameID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[gameID]; ok {
		return false
	}
	s.local[gameID] = struct{}{}
	return true
}

func (s *Supervisor) unreserve(gameID string) {
	s.mu.Lock()
	delete(s.local, gameID)
	s.mu.Unlock()
}

func (s *Supervisor) release(gameID string, log *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.Release(rctx, gameID, s.instance); err != nil {
		log.Warn("registry_release_failed", zap.Error(err))
	}
}

// record writes the finished game to the archive. Failures are logged only.
func (s *Supervisor) record(epoch *Epoch, res game.Result, log *zap.Logger) {
	actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.archive.Save(actx, archive.GameRecord{
		GameID:    res.GameID,
		Color:     string(res.Color),
		Status:    res.Status,
		Reason:    res.Reason,
		Moves:     res.Moves,
		MovesSent: res.MovesSent,
		Epoch:     epoch.ID,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
	})
	if err != nil {
		log.Warn("archive_save_failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
