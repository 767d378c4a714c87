package board

import (
	"fmt"
	"regexp"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var coordinateMove = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// Position is a board rebuilt from an authoritative move list. Game sessions
// build a fresh Position per snapshot; only the analysis tracker extends one
// in place with Push.
type Position struct {
	game     *nchess.Game
	startFEN string
	applied  []string
	skipped  []string
}

// Reconstruct replays the snapshot from the initial position (or from its FEN
// for raw FEN payloads). Tokens that fail to decode or apply are skipped.
func Reconstruct(s Snapshot) *Position {
	if s.FEN != "" {
		if p, ok := FromFEN(s.FEN); ok {
			return p
		}
		return New()
	}
	return Replay(s.Tokens())
}

// New returns the standard initial position.
func New() *Position {
	return &Position{game: nchess.NewGame()}
}

// FromFEN builds a position from a FEN string.
func FromFEN(fen string) (*Position, bool) {
	opt, err := nchess.FEN(strings.TrimSpace(fen))
	if err != nil {
		return nil, false
	}
	return &Position{game: nchess.NewGame(opt), startFEN: strings.TrimSpace(fen)}, true
}

// Replay applies tokens in order from the initial position.
func Replay(tokens []string) *Position {
	p := New()
	for _, tok := range tokens {
		if uci, ok := p.push(tok); ok {
			p.applied = append(p.applied, uci)
			continue
		}
		p.skipped = append(p.skipped, tok)
	}
	return p
}

// Push applies one token (coordinate or SAN) to the position.
func (p *Position) Push(token string) error {
	uci, ok := p.push(token)
	if !ok {
		return fmt.Errorf("cannot apply move %q", token)
	}
	p.applied = append(p.applied, uci)
	return nil
}

// push decodes a token as coordinate notation, falling back to SAN, and
// applies it. It returns the coordinate form of the applied move.
func (p *Position) push(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	pos := p.game.Position()
	lower := strings.ToLower(token)
	if coordinateMove.MatchString(lower) {
		if mv, err := (nchess.UCINotation{}).Decode(pos, lower); err == nil {
			if err := p.game.Move(mv, nil); err == nil {
				return lower, true
			}
		}
		return "", false
	}
	mv, err := (nchess.AlgebraicNotation{}).Decode(pos, token)
	if err != nil {
		return "", false
	}
	uci := strings.ToLower((nchess.UCINotation{}).Encode(pos, mv))
	if err := p.game.Move(mv, nil); err != nil {
		return "", false
	}
	return uci, true
}

// Moves returns the applied moves in coordinate notation.
func (p *Position) Moves() []string { return append([]string(nil), p.applied...) }

// Skipped returns tokens that could not be applied.
func (p *Position) Skipped() []string { return append([]string(nil), p.skipped...) }

// StartFEN is empty for positions replayed from the initial position.
func (p *Position) StartFEN() string { return p.startFEN }

// FEN of the current position.
func (p *Position) FEN() string { return p.game.FEN() }

// Ply is the number of applied half-moves.
func (p *Position) Ply() int { return len(p.applied) }

// SideToMove returns "white" or "black".
func (p *Position) SideToMove() string {
	if p.game.Position().Turn() == nchess.Black {
		return "black"
	}
	return "white"
}

// Terminal reports checkmate, stalemate or a rule draw.
func (p *Position) Terminal() bool {
	if p.game.Outcome() != nchess.NoOutcome {
		return true
	}
	return len(p.game.ValidMoves()) == 0
}

// LegalMoves lists every legal move in coordinate notation.
func (p *Position) LegalMoves() []string {
	moves := p.game.ValidMoves()
	out := make([]string, 0, len(moves))
	for _, mv := range moves {
		out = append(out, strings.ToLower(mv.String()))
	}
	return out
}

// Outcome returns the game outcome and method as text.
func (p *Position) Outcome() (string, string) {
	return p.game.Outcome().String(), p.game.Method().String()
}

// IsLegal reports whether a coordinate-notation move is syntactically valid
// and legal in this position.
func (p *Position) IsLegal(move string) bool {
	move = strings.TrimSpace(move)
	if !coordinateMove.MatchString(move) {
		return false
	}
	mv, err := (nchess.UCINotation{}).Decode(p.game.Position(), move)
	if err != nil {
		return false
	}
	return p.game.Clone().Move(mv, nil) == nil
}

// ValidMove reports whether a token matches coordinate move grammar.
func ValidMove(move string) bool {
	return coordinateMove.MatchString(strings.TrimSpace(move))
}
