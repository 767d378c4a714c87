package chess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/chess/uci"
)

// ErrNoMove is returned when the engine has nothing to play.
var ErrNoMove = errors.New("engine returned no move")

const (
	optSkillLevel = "Skill Level"
	optThreads    = "Threads"
	optHash       = "Hash"
)

type EngineConfig struct {
	BinaryPath      string
	PoolSize        int
	Threads         int
	HashMB          int
	SkillLevel      int
	DefaultMoveTime time.Duration
	DefaultDepth    int
}

// Engine serializes option changes and hands searches to pooled UCI sessions.
type Engine struct {
	pool   *uci.Pool
	logger *zap.Logger

	mu        sync.RWMutex
	threads   int
	hashMB    int
	skill     Skill
	supported map[string]struct{}

	defaultMoveTime time.Duration
	defaultDepth    int
}

// NewEngine launches one session up front so a missing or broken binary
// surfaces at startup rather than on the first move.
func NewEngine(ctx context.Context, cfg EngineConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := uci.NewPool(uci.PoolConfig{
		BinaryPath: cfg.BinaryPath,
		Capacity:   cfg.PoolSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	e := &Engine{
		pool:            pool,
		logger:          logger,
		threads:         cfg.Threads,
		hashMB:          cfg.HashMB,
		skill:           ClampSkill(cfg.SkillLevel),
		defaultMoveTime: cfg.DefaultMoveTime,
		defaultDepth:    cfg.DefaultDepth,
	}
	if e.threads <= 0 {
		e.threads = 1
	}
	if e.hashMB <= 0 {
		e.hashMB = 16
	}
	if e.defaultDepth <= 0 {
		e.defaultDepth = DefaultDepth
	}

	session, err := pool.Acquire(ctx, e.options(1))
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	e.supported = session.SupportedOptions()
	pool.Release(session, nil)

	logger.Info("engine_ready",
		zap.String("binary", cfg.BinaryPath),
		zap.String("skill", e.skill.String()),
		zap.Int("threads", e.threads),
		zap.Int("hash_mb", e.hashMB),
	)
	return e, nil
}

func (e *Engine) options(multiPV int) uci.Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if multiPV <= 0 {
		multiPV = 1
	}
	return uci.Options{
		Threads:    e.threads,
		SkillLevel: e.skill.Effective,
		HashMB:     e.hashMB,
		MultiPV:    multiPV,
	}
}

// MoveRequest describes a position as a start FEN plus UCI moves. An empty FEN
// means the standard start position. NewGame marks the first request of a
// game so the engine drops what it learned in earlier ones.
type MoveRequest struct {
	FEN      string
	Moves    []string
	MoveTime time.Duration
	Depth    int
	NewGame  bool
}

// BestMove returns the engine's choice in UCI notation.
func (e *Engine) BestMove(ctx context.Context, req MoveRequest) (string, error) {
	resp, err := e.search(ctx, 1, req.NewGame, uci.SearchRequest{
		FEN:    req.FEN,
		Moves:  req.Moves,
		Limits: resolveLimits(req.MoveTime, req.Depth, e.defaultMoveTime, e.defaultDepth),
	})
	if err != nil {
		return "", err
	}
	if resp.BestMove != "" {
		return resp.BestMove, nil
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Move != "" {
		return resp.Candidates[0].Move, nil
	}
	return "", ErrNoMove
}

// BestMoveFromFEN searches a bare FEN with the default limits.
func (e *Engine) BestMoveFromFEN(ctx context.Context, fen string) (string, error) {
	if strings.TrimSpace(fen) == "" {
		return "", fmt.Errorf("empty fen")
	}
	return e.BestMove(ctx, MoveRequest{FEN: fen})
}

type AnalyseRequest struct {
	FEN         string
	Moves       []string
	Depth       int
	MultiPV     int
	SearchMoves []string
}

// Analyse runs a depth-limited search and returns every principal variation
// the engine reported, best first.
func (e *Engine) Analyse(ctx context.Context, req AnalyseRequest) (uci.SearchResponse, error) {
	depth := req.Depth
	if depth <= 0 {
		depth = e.defaultDepth
	}
	return e.search(ctx, req.MultiPV, false, uci.SearchRequest{
		FEN:         req.FEN,
		Moves:       req.Moves,
		Limits:      uci.Limits{Depth: depth},
		SearchMoves: req.SearchMoves,
	})
}

func (e *Engine) search(ctx context.Context, multiPV int, newGame bool, req uci.SearchRequest) (uci.SearchResponse, error) {
	session, err := e.pool.Acquire(ctx, e.options(multiPV))
	if err != nil {
		return uci.SearchResponse{}, err
	}
	var releaseErr error
	defer func() {
		e.pool.Release(session, releaseErr)
	}()

	if newGame {
		if err := session.NewGame(ctx); err != nil {
			releaseErr = err
			return uci.SearchResponse{}, err
		}
	}

	resp, err := session.Search(ctx, req)
	if err != nil {
		releaseErr = err
		return uci.SearchResponse{}, err
	}
	return resp, nil
}

// SetSkillLevel clamps level into the engine range and keeps the requested
// value for reporting.
func (e *Engine) SetSkillLevel(level int) uci.OptionResult {
	skill := ClampSkill(level)
	e.mu.Lock()
	e.skill = skill
	e.mu.Unlock()
	if skill.Custom() {
		e.logger.Info("custom_skill_requested", zap.Int("requested", skill.Requested), zap.Int("effective", skill.Effective))
	}
	return e.result(optSkillLevel, strconv.Itoa(skill.Effective))
}

func (e *Engine) SetThreads(n int) uci.OptionResult {
	if n <= 0 {
		return uci.OptionResult{Name: optThreads, Value: strconv.Itoa(n), Status: uci.OptionFailed, Err: fmt.Errorf("threads must be positive")}
	}
	e.mu.Lock()
	e.threads = n
	e.mu.Unlock()
	return e.result(optThreads, strconv.Itoa(n))
}

func (e *Engine) SetHash(mb int) uci.OptionResult {
	if mb <= 0 {
		return uci.OptionResult{Name: optHash, Value: strconv.Itoa(mb), Status: uci.OptionFailed, Err: fmt.Errorf("hash must be positive")}
	}
	e.mu.Lock()
	e.hashMB = mb
	e.mu.Unlock()
	return e.result(optHash, strconv.Itoa(mb))
}

// ApplyEnvSkill reads the skill variables and applies the first valid one.
// ok is false when none is set.
func (e *Engine) ApplyEnvSkill() (uci.OptionResult, bool) {
	level, found, invalid := SkillFromEnv(os.LookupEnv)
	for _, key := range invalid {
		e.logger.Warn("invalid_skill_env", zap.String("key", key))
	}
	if !found {
		return uci.OptionResult{}, false
	}
	return e.SetSkillLevel(level), true
}

// Skill reports the current requested and effective levels.
func (e *Engine) Skill() Skill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.skill
}

// Supports reports whether the backend advertised the named option.
func (e *Engine) Supports(name string) bool {
	_, ok := e.supported[strings.ToLower(name)]
	return ok
}

func (e *Engine) result(name, value string) uci.OptionResult {
	status := uci.OptionApplied
	if !e.Supports(name) {
		status = uci.OptionUnsupported
		e.logger.Debug("engine_option_unsupported", zap.String("name", name))
	}
	return uci.OptionResult{Name: name, Value: value, Status: status}
}

func (e *Engine) Close() error {
	if e == nil || e.pool == nil {
		return nil
	}
	return e.pool.Close()
}
