package game

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-lichess-bot/internal/board"
	"github.com/park285/cheese-lichess-bot/internal/chess"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	pick  func(req chess.MoveRequest) (string, error)
}

func (f *fakeBackend) BestMove(_ context.Context, req chess.MoveRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.pick(req)
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// replies maps a ply count to the move the backend plays there.
func replies(m map[int]string) *fakeBackend {
	return &fakeBackend{pick: func(req chess.MoveRequest) (string, error) {
		if mv, ok := m[len(req.Moves)]; ok {
			return mv, nil
		}
		return "", chess.ErrNoMove
	}}
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	calls int
	errs  []error
	panic bool
}

func (f *fakeSender) MakeMove(_ context.Context, _ string, move string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panic {
		f.panic = false
		panic("sender exploded")
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, move)
	return nil
}

type sliceStream struct {
	lines []string
	end   error
}

func (s *sliceStream) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.lines) == 0 {
		return nil, s.end
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return []byte(line), nil
}

func (s *sliceStream) Close() error { return nil }

type fakeServer struct {
	*fakeSender
	stream    *sliceStream
	streamErr error

	mu      sync.Mutex
	exports []exportReply
	polls   int
}

type exportReply struct {
	body string
	err  error
}

func (f *fakeServer) StreamGame(context.Context, string) (LineStream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeServer) ExportGame(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.exports) == 0 {
		return []byte(`{"moves":"","status":"aborted"}`), nil
	}
	r := f.exports[0]
	if len(f.exports) > 1 {
		f.exports = f.exports[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.body), nil
}

func newTestSession(srv *fakeServer, color Color, backend Backend) *Session {
	return NewSession("g1", color, srv,
		NewMoveSource(backend, Budget{MoveTime: 10 * time.Millisecond}, nil),
		NewRetrier(srv, 3, 0, nil),
		SessionConfig{PollInterval: time.Millisecond, ErrorPause: time.Millisecond},
		nil,
	)
}

func TestShouldActParity(t *testing.T) {
	count := len([]string{"e2e4", "e7e5", "g1f3"})
	if ShouldAct(count, NoneProcessed, White) {
		t.Fatalf("white must not act after 3 plies")
	}
	if !ShouldAct(count, NoneProcessed, Black) {
		t.Fatalf("black must act after 3 plies")
	}
	pos := board.Replay([]string{"e2e4", "e7e5", "g1f3"})
	if pos.Ply() != 3 || pos.SideToMove() != string(SideToMove(count)) {
		t.Fatalf("parity disagrees with board: ply=%d side=%s", pos.Ply(), pos.SideToMove())
	}
}

func TestShouldActDedupe(t *testing.T) {
	if !ShouldAct(1, NoneProcessed, Black) {
		t.Fatalf("first sighting of count 1 must act")
	}
	if ShouldAct(1, 1, Black) {
		t.Fatalf("repeat of processed count must not act")
	}
	if !ShouldAct(3, 5, Black) {
		t.Fatalf("a different count acts even when lower")
	}
	if ShouldAct(-1, NoneProcessed, Black) {
		t.Fatalf("negative counts never act")
	}
	if c, ok := ParseColor(" Black "); !ok || c != Black {
		t.Fatalf("ParseColor failed: %q %v", c, ok)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureClass
	}{
		{&lichess.APIError{Status: 400, Body: `{"error":"Not your turn, or game already over"}`}, Terminal},
		{errors.New("Invalid UCI move"), Terminal},
		{&lichess.APIError{Status: 400, Body: `{"error":"Invalid move e2e5"}`}, Terminal},
		{errors.New("write tcp 10.0.0.2:443: invalid argument"), Retryable},
		{errors.New("x509: certificate signed by unknown authority (invalid chain)"), Retryable},
		{errors.New("You are NOT A PARTICIPANT of this game"), Terminal},
		{errors.New("request failed: dial tcp: connection refused"), Retryable},
		{&lichess.APIError{Status: 502, Body: "bad gateway"}, Retryable},
		{context.Canceled, Terminal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetrierTerminalStopsImmediately(t *testing.T) {
	s := &fakeSender{errs: []error{errors.New("Not your turn")}}
	r := NewRetrier(s, 3, 0, nil)
	if r.Send(context.Background(), "g1", "e2e4") {
		t.Fatalf("terminal failure must report false")
	}
	if s.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", s.calls)
	}
}

func TestRetrierRetriesNetworkErrors(t *testing.T) {
	netErr := errors.New("request failed: connection reset by peer")
	s := &fakeSender{errs: []error{netErr, netErr, netErr, netErr}}
	r := NewRetrier(s, 3, 0, nil)
	if r.Send(context.Background(), "g1", "e2e4") {
		t.Fatalf("exhausted retries must report false")
	}
	if s.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", s.calls)
	}

	s = &fakeSender{errs: []error{netErr, nil}}
	r = NewRetrier(s, 3, 0, nil)
	if !r.Send(context.Background(), "g1", "e2e4") || s.calls != 2 {
		t.Fatalf("expected success on second attempt, calls=%d", s.calls)
	}
}

func TestRetrierHonoursCancellation(t *testing.T) {
	s := &fakeSender{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	r := NewRetrier(s, 3, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r.Send(ctx, "g1", "e2e4") {
		t.Fatalf("cancelled send must fail")
	}
	if s.calls != 1 {
		t.Fatalf("cancelled retry must not attempt again, calls=%d", s.calls)
	}
}

func TestMoveSourceFailuresBecomeNoMove(t *testing.T) {
	pos := board.Replay([]string{"e2e4"})
	ctx := context.Background()

	failing := &fakeBackend{pick: func(chess.MoveRequest) (string, error) { return "", errors.New("engine crashed") }}
	if _, ok := NewMoveSource(failing, Budget{}, nil).RequestMove(ctx, pos); ok {
		t.Fatalf("backend error must yield no move")
	}

	panicking := &fakeBackend{pick: func(chess.MoveRequest) (string, error) { panic("boom") }}
	if _, ok := NewMoveSource(panicking, Budget{}, nil).RequestMove(ctx, pos); ok {
		t.Fatalf("backend panic must yield no move")
	}

	garbage := &fakeBackend{pick: func(chess.MoveRequest) (string, error) { return "Nf6", nil }}
	if _, ok := NewMoveSource(garbage, Budget{}, nil).RequestMove(ctx, pos); ok {
		t.Fatalf("non-coordinate move must be rejected")
	}

	illegal := &fakeBackend{pick: func(chess.MoveRequest) (string, error) { return "e2e4", nil }}
	if _, ok := NewMoveSource(illegal, Budget{}, nil).RequestMove(ctx, pos); ok {
		t.Fatalf("illegal move must be rejected")
	}

	good := &fakeBackend{pick: func(req chess.MoveRequest) (string, error) {
		if len(req.Moves) != 1 || req.Moves[0] != "e2e4" || req.MoveTime != time.Second {
			return "", errors.New("unexpected request")
		}
		return "c7c5", nil
	}}
	if mv, ok := NewMoveSource(good, Budget{MoveTime: time.Second}, nil).RequestMove(ctx, pos); !ok || mv != "c7c5" {
		t.Fatalf("expected c7c5, got %q %v", mv, ok)
	}
}

func TestSessionFirstRequestStartsNewGame(t *testing.T) {
	var mu sync.Mutex
	var marks []bool
	backend := &fakeBackend{pick: func(req chess.MoveRequest) (string, error) {
		mu.Lock()
		marks = append(marks, req.NewGame)
		mu.Unlock()
		switch len(req.Moves) {
		case 1:
			return "e7e5", nil
		case 3:
			return "b8c6", nil
		}
		return "", chess.ErrNoMove
	}}
	source := NewMoveSource(backend, Budget{}, nil)
	newServer := func() *fakeServer {
		return &fakeServer{
			fakeSender: &fakeSender{},
			stream: &sliceStream{
				lines: []string{
					`{"type":"gameFull","id":"g1","state":{"type":"gameState","moves":"e2e4","status":"started"}}`,
					`{"type":"gameState","moves":"e2e4 e7e5 g1f3","status":"started"}`,
					`{"type":"gameState","moves":"e2e4 e7e5 g1f3 b8c6","status":"resign"}`,
				},
				end: io.EOF,
			},
		}
	}
	for i := 0; i < 2; i++ {
		srv := newServer()
		NewSession("g1", Black, srv, source, NewRetrier(srv, 3, 0, nil), SessionConfig{}, nil).Run(context.Background())
	}

	want := []bool{true, false, true, false}
	if len(marks) != len(want) {
		t.Fatalf("expected %d backend calls, got %v", len(want), marks)
	}
	for i := range want {
		if marks[i] != want[i] {
			t.Fatalf("call %d: NewGame=%v, want %v (all %v)", i, marks[i], want[i], marks)
		}
	}
}

func TestMoveSourceKeepsNewGameUntilAnswered(t *testing.T) {
	var marks []bool
	fail := true
	backend := &fakeBackend{pick: func(req chess.MoveRequest) (string, error) {
		marks = append(marks, req.NewGame)
		if fail {
			fail = false
			return "", errors.New("engine restarting")
		}
		return "c7c5", nil
	}}
	src := NewMoveSource(backend, Budget{}, nil).ForGame()
	pos := board.Replay([]string{"e2e4"})
	src.RequestMove(context.Background(), pos)
	src.RequestMove(context.Background(), pos)
	src.RequestMove(context.Background(), pos)
	if len(marks) != 3 || !marks[0] || !marks[1] || marks[2] {
		t.Fatalf("unexpected NewGame marks %v", marks)
	}
}

func TestMoveSourceSkipsTerminalBoard(t *testing.T) {
	mated := board.Replay([]string{"f2f3", "e7e5", "g2g4", "d8h4"})
	b := replies(map[int]string{4: "e1f2"})
	if _, ok := NewMoveSource(b, Budget{}, nil).RequestMove(context.Background(), mated); ok {
		t.Fatalf("terminal board must yield no move")
	}
	if b.Calls() != 0 {
		t.Fatalf("backend must not be called for a terminal board")
	}
}

func TestSessionStreamDedupeAndMate(t *testing.T) {
	srv := &fakeServer{
		fakeSender: &fakeSender{},
		stream: &sliceStream{
			lines: []string{
				`{"type":"gameFull","id":"g1","state":{"type":"gameState","moves":"e2e4","status":"started"}}`,
				`{"type":"gameState","moves":"e2e4","status":"started"}`,
				`{"type":"chatLine","username":"lichess","text":"hi","room":"player"}`,
				`{"type":"gameState","moves":"e2e4 e7e5 g1f3","status":"started"}`,
				`{"type":"gameState","moves":"e2e4 e7e5 g1f3 b8c6 f1c4 g8f6 d1f3 f8c5 f3f7","status":"mate"}`,
				`{"type":"gameState","moves":"e2e4 e7e5 g1f3 b8c6 f1c4 g8f6 d1f3 f8c5 f3f7 e8e7","status":"started"}`,
			},
			end: io.EOF,
		},
	}
	backend := replies(map[int]string{1: "e7e5", 3: "b8c6", 9: "e8e7"})
	sess := newTestSession(srv, Black, backend)

	res := sess.Run(context.Background())
	if got := strings.Join(srv.sent, " "); got != "e7e5 b8c6" {
		t.Fatalf("unexpected transmissions %q", got)
	}
	if res.Status != "mate" || sess.State() != StateEnded {
		t.Fatalf("expected ended with mate, got %q in %s", res.Status, sess.State())
	}
	if res.MovesSent != 2 || len(res.Moves) != 9 {
		t.Fatalf("unexpected result %+v", res)
	}
	if srv.polls != 0 {
		t.Fatalf("no polling expected once the game ended on the stream")
	}
}

func TestSessionFallsBackToPolling(t *testing.T) {
	srv := &fakeServer{
		fakeSender: &fakeSender{},
		streamErr:  &lichess.APIError{Status: 503, Body: "down"},
		exports: []exportReply{
			{err: errors.New("request failed: timeout")},
			{body: `{"id":"g1","moves":"e4","status":"started"}`},
			{body: `{"id":"g1","moves":"e4","status":"started"}`},
			{body: `{"id":"g1","moves":"e4 e5 Qh5","status":"resign"}`},
		},
	}
	backend := replies(map[int]string{1: "e7e5"})
	res := newTestSession(srv, Black, backend).Run(context.Background())

	if len(srv.sent) != 1 || srv.sent[0] != "e7e5" {
		t.Fatalf("expected a single e7e5, got %v", srv.sent)
	}
	if res.Status != "resign" || srv.polls != 4 {
		t.Fatalf("unexpected end: status=%q polls=%d", res.Status, srv.polls)
	}
}

func TestSessionStreamBreakSwitchesToPolling(t *testing.T) {
	srv := &fakeServer{
		fakeSender: &fakeSender{},
		stream: &sliceStream{
			lines: []string{`{"type":"gameFull","state":{"moves":"","status":"started"}}`},
			end:   errors.New("connection reset"),
		},
		exports: []exportReply{{body: `{"moves":"d2d4","status":"outoftime"}`}},
	}
	backend := replies(map[int]string{0: "d2d4"})
	res := newTestSession(srv, White, backend).Run(context.Background())
	if len(srv.sent) != 1 || srv.sent[0] != "d2d4" {
		t.Fatalf("expected opening move from stream, got %v", srv.sent)
	}
	if res.Status != "outoftime" || srv.polls != 1 {
		t.Fatalf("expected poll to observe end: status=%q polls=%d", res.Status, srv.polls)
	}
}

func TestSessionSurvivesPanickingSnapshot(t *testing.T) {
	srv := &fakeServer{
		fakeSender: &fakeSender{panic: true},
		stream: &sliceStream{
			lines: []string{
				`{"type":"gameState","moves":"e2e4","status":"started"}`,
				`{"type":"gameState","moves":"e2e4","status":"started"}`,
				`{"type":"gameState","moves":"e2e4 e7e5","status":"draw"}`,
			},
			end: io.EOF,
		},
	}
	backend := replies(map[int]string{1: "e7e5"})
	res := newTestSession(srv, Black, backend).Run(context.Background())
	if len(srv.sent) != 1 {
		t.Fatalf("repeat snapshot should retry after the panic, sent=%v", srv.sent)
	}
	if res.Status != "draw" {
		t.Fatalf("expected draw, got %q", res.Status)
	}
}

func TestSessionPollNotFoundEnds(t *testing.T) {
	srv := &fakeServer{
		fakeSender: &fakeSender{},
		streamErr:  errors.New("no stream"),
		exports:    []exportReply{{err: &lichess.APIError{Status: 404, Body: "not found"}}},
	}
	res := newTestSession(srv, White, replies(nil)).Run(context.Background())
	if res.Reason != "not_found" {
		t.Fatalf("expected not_found, got %q", res.Reason)
	}
}

func TestSessionCancelled(t *testing.T) {
	srv := &fakeServer{
		fakeSender: &fakeSender{},
		streamErr:  errors.New("no stream"),
		exports:    []exportReply{{err: errors.New("request failed: timeout")}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := newTestSession(srv, White, replies(nil)).Run(ctx)
	if res.Reason != "cancelled" {
		t.Fatalf("expected cancelled, got %q", res.Reason)
	}
}
