package uci

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/park285/cheese-lichess-bot/internal/chess/uci/ucitest"
)

func TestMain(m *testing.M) {
	ucitest.MaybeServe()
	os.Exit(m.Run())
}

func fakeEngine(t *testing.T) string {
	t.Helper()
	t.Setenv(ucitest.EnvFlag, "1")
	return os.Args[0]
}

func TestParseInfo(t *testing.T) {
	mv, cand, ok := parseInfo("info depth 12 multipv 2 score cp -41 nodes 100 pv g1f3 d7d5 d2d4")
	if !ok || mv != 2 {
		t.Fatalf("parseInfo: ok=%v multipv=%d", ok, mv)
	}
	if cand.Move != "g1f3" || cand.EvalCP != -41 || !cand.HasCP || cand.Mate != nil {
		t.Fatalf("unexpected candidate: %+v", cand)
	}
	_, cand, ok = parseInfo("info depth 5 score mate -2 pv e1e2")
	if !ok || cand.Mate == nil || *cand.Mate != -2 || cand.EvalCP != -mateValue || cand.HasCP {
		t.Fatalf("unexpected mate candidate: %+v", cand)
	}
	if _, _, ok := parseInfo("info depth 3 currmove e2e4"); ok {
		t.Fatalf("line without pv must be ignored")
	}
}

func TestParseOptionName(t *testing.T) {
	name, ok := parseOptionName("option name Skill Level type spin default 20 min 0 max 20")
	if !ok || name != "Skill Level" {
		t.Fatalf("got %q ok=%v", name, ok)
	}
	if _, ok := parseOptionName("id name Stockfish"); ok {
		t.Fatalf("id line is not an option")
	}
}

func TestBuildGoTokens(t *testing.T) {
	got, err := BuildGoTokens(Limits{MoveTimeMillis: 50}, []string{"e2e4"})
	if err != nil {
		t.Fatalf("BuildGoTokens: %v", err)
	}
	want := "go movetime 50 searchmoves e2e4"
	if joined := strings.Join(got, " "); joined != want {
		t.Fatalf("got %q want %q", joined, want)
	}
	if _, err := BuildGoTokens(Limits{}, nil); err == nil {
		t.Fatalf("expected error without limits")
	}
}

func TestBuildPositionCommand(t *testing.T) {
	if got := buildPositionCommand("", []string{"e2e4", "e7e5"}); got != "position startpos moves e2e4 e7e5\n" {
		t.Fatalf("got %q", got)
	}
	fen := "8/8/8/8/8/8/8/K6k w - - 0 1"
	if got := buildPositionCommand(fen, nil); got != "position fen "+fen+"\n" {
		t.Fatalf("got %q", got)
	}
}

func TestSessionSearchAndOptions(t *testing.T) {
	path := fakeEngine(t)
	t.Setenv(ucitest.EnvNoSkill, "1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewSession(ctx, path, Options{Threads: 1, HashMB: 16, MultiPV: 2}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if !s.Supports("Hash") || s.Supports("Skill Level") {
		t.Fatalf("unexpected capability set: %v", s.supported)
	}
	if res := s.SetOption(ctx, "Skill Level", "5"); res.Status != OptionUnsupported {
		t.Fatalf("expected unsupported, got %s", res.Status)
	}
	if res := s.SetOption(ctx, "Threads", "2"); res.Status != OptionApplied {
		t.Fatalf("expected applied, got %s (%v)", res.Status, res.Err)
	}

	resp, err := s.Search(ctx, SearchRequest{Limits: Limits{Depth: 1}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.BestMove != "e2e4" || len(resp.Candidates) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Candidates[1].Mate == nil || *resp.Candidates[1].Mate != 3 {
		t.Fatalf("expected mate candidate, got %+v", resp.Candidates[1])
	}

	resp, err = s.Search(ctx, SearchRequest{Limits: Limits{Depth: 1}, SearchMoves: []string{"g1f3"}})
	if err != nil {
		t.Fatalf("Search searchmoves: %v", err)
	}
	if resp.BestMove != "g1f3" || len(resp.Candidates) != 1 || resp.Candidates[0].Move != "g1f3" {
		t.Fatalf("unexpected searchmoves response: %+v", resp)
	}
}

func TestPoolReusesSessions(t *testing.T) {
	path := fakeEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := NewPool(PoolConfig{BinaryPath: path, Capacity: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	opt := Options{Threads: 1, HashMB: 16, MultiPV: 1, SkillLevel: 3}
	s1, err := p.Acquire(ctx, opt)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(s1, nil)
	s2, err := p.Acquire(ctx, opt)
	if err != nil {
		t.Fatalf("Acquire#2: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected idle session to be reused")
	}

	// Capacity is 1 and the session is checked out: a second acquire waits.
	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	if _, err := p.Acquire(short, opt); err == nil {
		t.Fatalf("expected acquire to block at capacity")
	}
	p.Release(s2, nil)
}

func TestPoolDiscardsFailedSessions(t *testing.T) {
	path := fakeEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := NewPool(PoolConfig{BinaryPath: path, Capacity: 1})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	opt := Options{Threads: 1, HashMB: 16, MultiPV: 1}
	broken, err := p.Acquire(ctx, opt)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(broken, errors.New("search timeout"))
	if broken.cmd.ProcessState == nil {
		t.Fatalf("a session released with an error must have its process stopped")
	}

	// The slot is free again even though capacity is 1.
	short, cancelShort := context.WithTimeout(ctx, 2*time.Second)
	defer cancelShort()
	fresh, err := p.Acquire(short, opt)
	if err != nil {
		t.Fatalf("Acquire after discard: %v", err)
	}
	if fresh == broken || fresh.cmd.Process.Pid == broken.cmd.Process.Pid {
		t.Fatalf("expected a new engine process")
	}
	if _, err := fresh.Search(ctx, SearchRequest{Limits: Limits{Depth: 1}}); err != nil {
		t.Fatalf("replacement session should search: %v", err)
	}
	p.Release(fresh, nil)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fresh.cmd.ProcessState == nil {
		t.Fatalf("Close must stop idle engine processes")
	}
}

func TestSessionNewGame(t *testing.T) {
	path := fakeEngine(t)
	t.Setenv(ucitest.EnvNewGameMove, "c2c4")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewSession(ctx, path, Options{Threads: 1, HashMB: 16, MultiPV: 1}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.NewGame(ctx); err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	resp, err := s.Search(ctx, SearchRequest{Limits: Limits{Depth: 1}})
	if err != nil || resp.BestMove != "c2c4" {
		t.Fatalf("search after ucinewgame: %+v %v", resp, err)
	}
	resp, err = s.Search(ctx, SearchRequest{Limits: Limits{Depth: 1}})
	if err != nil || resp.BestMove != "e2e4" {
		t.Fatalf("second search: %+v %v", resp, err)
	}
}
