package analysis

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/chess"
	"github.com/park285/cheese-lichess-bot/internal/chess/uci"
	"github.com/park285/cheese-lichess-bot/pkg/analysisdto"
)

// mateScore ranks mate lines above any centipawn score.
const mateScore = 100000

type Engine interface {
	Analyse(ctx context.Context, req chess.AnalyseRequest) (uci.SearchResponse, error)
	BestMove(ctx context.Context, req chess.MoveRequest) (string, error)
}

type Analyzer struct {
	engine  Engine
	multiPV int
	depth   int
	logger  *zap.Logger
}

func NewAnalyzer(engine Engine, multiPV, depth int, logger *zap.Logger) *Analyzer {
	if multiPV <= 0 {
		multiPV = 3
	}
	if depth <= 0 {
		depth = chess.DefaultDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{engine: engine, multiPV: multiPV, depth: depth, logger: logger}
}

type scored struct {
	pv      analysisdto.PV
	numeric int
	known   bool
}

// Analyse returns up to multiPV candidate moves, best first. Lines the
// MultiPV search did not produce are filled by scoring each legal move on its
// own; if both come back empty a single best move without score is returned.
func (a *Analyzer) Analyse(ctx context.Context, pos *board.Position) []analysisdto.PV {
	if pos.Terminal() {
		return []analysisdto.PV{}
	}
	base := chess.AnalyseRequest{FEN: pos.StartFEN(), Moves: pos.Moves(), Depth: a.depth}

	var lines []scored
	req := base
	req.MultiPV = a.multiPV
	if resp, err := a.engine.Analyse(ctx, req); err != nil {
		a.logger.Warn("analysis_multipv_failed", zap.Error(err))
	} else {
		for _, c := range resp.Candidates {
			if len(lines) >= a.multiPV {
				break
			}
			if c.Move == "" {
				continue
			}
			lines = append(lines, fromCandidate(c.Move, c))
		}
	}

	if len(lines) < a.multiPV {
		lines = merge(lines, a.scoreEach(ctx, base, pos.LegalMoves()), a.multiPV)
	}

	if len(lines) == 0 {
		mv, err := a.engine.BestMove(ctx, chess.MoveRequest{FEN: base.FEN, Moves: base.Moves, Depth: a.depth})
		if err != nil {
			a.logger.Warn("analysis_fallback_failed", zap.Error(err))
			return []analysisdto.PV{}
		}
		lines = []scored{{pv: analysisdto.PV{Move: mv}}}
	}

	out := make([]analysisdto.PV, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.pv)
	}
	return out
}

// scoreEach searches every move as the only root move and returns the scored
// ones sorted best first.
func (a *Analyzer) scoreEach(ctx context.Context, base chess.AnalyseRequest, legal []string) []scored {
	var out []scored
	for _, mv := range legal {
		if ctx.Err() != nil {
			break
		}
		req := base
		req.MultiPV = 1
		req.SearchMoves = []string{mv}
		resp, err := a.engine.Analyse(ctx, req)
		if err != nil {
			a.logger.Debug("analysis_move_failed", zap.String("move", mv), zap.Error(err))
			continue
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		s := fromCandidate(mv, resp.Candidates[0])
		if s.known {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].numeric > out[j].numeric })
	return out
}

func merge(first, extra []scored, limit int) []scored {
	seen := make(map[string]struct{}, len(first))
	for _, s := range first {
		seen[s.pv.Move] = struct{}{}
	}
	merged := append([]scored(nil), first...)
	for _, s := range extra {
		if len(merged) >= limit {
			break
		}
		if _, ok := seen[s.pv.Move]; ok {
			continue
		}
		seen[s.pv.Move] = struct{}{}
		merged = append(merged, s)
	}
	return merged
}

func fromCandidate(move string, c uci.Candidate) scored {
	s := scored{pv: analysisdto.PV{Move: move}}
	switch {
	case c.Mate != nil:
		m := *c.Mate
		s.pv.Mate = &m
		s.numeric = -mateScore
		if m > 0 {
			s.numeric = mateScore
		}
		s.known = true
	case c.HasCP:
		cp := c.EvalCP
		s.pv.ScoreCP = &cp
		s.numeric = cp
		s.known = true
	}
	return s
}
