package uci

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout  = 4 * time.Second
	newGameRetryAttempts = 3
	newGameRetryDelay    = 150 * time.Millisecond
	quitGracePeriod      = 500 * time.Millisecond

	// MaxSkillLevel is the highest "Skill Level" stockfish accepts.
	MaxSkillLevel = 20
)

type Options struct {
	Threads    int
	SkillLevel int
	HashMB     int
	MultiPV    int
}

type Limits struct {
	Depth          int
	MoveTimeMillis int
}

// Candidate is one principal variation. Mate is non-nil when the engine
// reported a mate score; EvalCP then holds the signed mate sentinel.
type Candidate struct {
	Move      string
	EvalCP    int
	HasCP     bool
	Mate      *int
	Principal []string
}

// OptionStatus classifies the outcome of a setoption request.
type OptionStatus int

const (
	OptionApplied OptionStatus = iota
	OptionUnsupported
	OptionFailed
)

func (s OptionStatus) String() string {
	switch s {
	case OptionApplied:
		return "applied"
	case OptionUnsupported:
		return "unsupported"
	default:
		return "failed"
	}
}

type OptionResult struct {
	Name   string
	Value  string
	Status OptionStatus
	Err    error
}

type Session struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	search    sync.Mutex
	lines     chan string
	supported map[string]struct{}
	logger    *zap.Logger
}

func NewSession(ctx context.Context, binaryPath string, opt Options, logger *zap.Logger) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// The process outlives the startup context, so it is not bound to ctx.
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &Session{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReader(stdoutPipe),
		lines:     make(chan string, 256),
		supported: make(map[string]struct{}),
		logger:    logger,
	}
	go s.pump()

	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type SearchRequest struct {
	FEN         string
	Moves       []string
	Limits      Limits
	SearchMoves []string
}

type SearchResponse struct {
	Candidates []Candidate
	BestMove   string
}

func (s *Session) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	s.search.Lock()
	defer s.search.Unlock()

	positionCmd := buildPositionCommand(req.FEN, req.Moves)
	if err := s.send(positionCmd); err != nil {
		return SearchResponse{}, fmt.Errorf("send position: %w", err)
	}

	goTokens, err := BuildGoTokens(req.Limits, req.SearchMoves)
	if err != nil {
		return SearchResponse{}, err
	}
	goCmd := strings.Join(goTokens, " ")
	if err := s.send(goCmd + "\n"); err != nil {
		return SearchResponse{}, fmt.Errorf("send go: %w", err)
	}

	deadline := computeSearchTimeout(req.Limits)
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	candidates := make(map[int]Candidate)
	var best string

	for {
		line, err := s.readLine(searchCtx)
		if err != nil {
			s.logger.Warn("uci_read_error",
				zap.String("position", strings.TrimSpace(positionCmd)),
				zap.String("go", goCmd),
				zap.Error(err),
			)
			// Ask the engine to stop so the next search does not read a stale bestmove.
			_ = s.send("stop\n")
			return SearchResponse{}, fmt.Errorf("read line: %w", err)
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "info "):
			if mv, cand, ok := parseInfo(line); ok {
				candidates[mv] = cand
			}
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			if len(parts) >= 2 && parts[1] != "(none)" && parts[1] != "0000" {
				best = parts[1]
			}
			return SearchResponse{Candidates: collapseCandidates(candidates), BestMove: best}, nil
		}
	}
}

// Supports reports whether the engine advertised the option during the handshake.
func (s *Session) Supports(name string) bool {
	_, ok := s.supported[strings.ToLower(name)]
	return ok
}

// SupportedOptions returns a copy of the advertised option names (lower case).
func (s *Session) SupportedOptions() map[string]struct{} {
	out := make(map[string]struct{}, len(s.supported))
	for k := range s.supported {
		out[k] = struct{}{}
	}
	return out
}

// SetOption sends setoption only for advertised options and confirms with isready.
func (s *Session) SetOption(ctx context.Context, name string, value string) OptionResult {
	res := OptionResult{Name: name, Value: value}
	if !s.Supports(name) {
		res.Status = OptionUnsupported
		return res
	}
	s.search.Lock()
	defer s.search.Unlock()
	if err := s.send(fmt.Sprintf("setoption name %s value %s\n", name, value)); err != nil {
		res.Status = OptionFailed
		res.Err = fmt.Errorf("send setoption: %w", err)
		return res
	}
	if err := s.EnsureReady(ctx); err != nil {
		res.Status = OptionFailed
		res.Err = err
		return res
	}
	res.Status = OptionApplied
	return res
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func validateOptions(opt Options) error {
	if opt.SkillLevel < 0 || opt.SkillLevel > MaxSkillLevel {
		return fmt.Errorf("skill level %d out of range 0-%d", opt.SkillLevel, MaxSkillLevel)
	}
	if opt.HashMB <= 0 {
		return fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	}
	if opt.MultiPV <= 0 {
		return fmt.Errorf("multipv must be > 0: %d", opt.MultiPV)
	}
	return nil
}

// BuildGoTokens renders the go command for the given limits.
func BuildGoTokens(l Limits, searchMoves []string) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if len(args) == 1 {
		return nil, fmt.Errorf("no search limits specified")
	}
	if len(searchMoves) > 0 {
		args = append(args, "searchmoves")
		args = append(args, searchMoves...)
	}
	return args, nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		ms := l.MoveTimeMillis + 2000
		return time.Duration(ms) * time.Millisecond * 3
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		if base < 6*time.Second {
			base = 6 * time.Second
		}
		if base > 20*time.Second {
			base = 20 * time.Second
		}
		return base
	}
	return 6 * time.Second
}

const mateValue = 30000

func parseInfo(line string) (int, Candidate, bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return 0, Candidate{}, false
	}
	var (
		multipv = 1
		cand    Candidate
		pvIdx   = -1
	)

	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					multipv = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				kind := parts[i+1]
				val := parts[i+2]
				switch kind {
				case "cp":
					if v, err := strconv.Atoi(val); err == nil {
						cand.EvalCP = v
						cand.HasCP = true
					}
				case "mate":
					if v, err := strconv.Atoi(val); err == nil {
						mate := v
						cand.Mate = &mate
						if v > 0 {
							cand.EvalCP = mateValue
						} else {
							cand.EvalCP = -mateValue
						}
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}

	if pvIdx == -1 || pvIdx >= len(parts) {
		return 0, Candidate{}, false
	}
	principal := parts[pvIdx:]
	cand.Move = principal[0]
	cand.Principal = append([]string(nil), principal...)
	return multipv, cand, true
}

func collapseCandidates(m map[int]Candidate) []Candidate {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	result := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		result = append(result, m[k])
	}
	return result
}

func (s *Session) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

// NewGame tells the engine the next search belongs to a different game and
// waits until it has cleared its state.
func (s *Session) NewGame(ctx context.Context) error {
	if err := s.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}

	for attempt := 1; attempt <= newGameRetryAttempts; attempt++ {
		err := s.EnsureReady(ctx)
		if err == nil {
			return nil
		}
		if attempt == newGameRetryAttempts {
			return err
		}
		s.logger.Debug("uci_ready_retry", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(newGameRetryDelay):
		}
	}
	return nil
}

// Close asks the engine to quit and kills it if it lingers.
func (s *Session) Close() error {
	_ = s.send("quit\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(quitGracePeriod):
		_ = s.cmd.Process.Kill()
		<-done
		return nil
	}
}

func (s *Session) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	for {
		line, err := s.readLine(initCtx)
		if err != nil {
			return fmt.Errorf("wait uciok: %w", err)
		}
		if name, ok := parseOptionName(line); ok {
			s.supported[strings.ToLower(name)] = struct{}{}
			continue
		}
		if strings.Contains(line, "uciok") {
			break
		}
	}

	if err := s.applyOptions(opt); err != nil {
		return err
	}

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}

	return nil
}

// parseOptionName extracts NAME from "option name NAME type ...".
func parseOptionName(line string) (string, bool) {
	if !strings.HasPrefix(line, "option name ") {
		return "", false
	}
	rest := strings.TrimPrefix(line, "option name ")
	if idx := strings.Index(rest, " type "); idx >= 0 {
		rest = rest[:idx]
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

func (s *Session) applyOptions(opt Options) error {
	threadCount := opt.Threads
	if threadCount <= 0 {
		threadCount = 1
	}
	values := []struct {
		name  string
		value string
	}{
		{"Threads", strconv.Itoa(threadCount)},
		{"Hash", strconv.Itoa(opt.HashMB)},
		{"Skill Level", strconv.Itoa(opt.SkillLevel)},
		{"MultiPV", strconv.Itoa(opt.MultiPV)},
	}
	for _, v := range values {
		if !s.Supports(v.name) {
			s.logger.Info("uci_option_unsupported", zap.String("option", v.name))
			continue
		}
		if err := s.send(fmt.Sprintf("setoption name %s value %s\n", v.name, v.value)); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return nil
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return io.ErrClosedPipe
	}
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (s *Session) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}

// pump is the only reader of stdout; it closes lines on EOF.
func (s *Session) pump() {
	defer close(s.lines)
	for {
		line, err := s.stdout.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			s.lines <- trimmed
		}
		if err != nil {
			return
		}
	}
}
