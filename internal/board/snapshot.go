package board

import (
	"encoding/json"
	"strings"
)

// Shape identifies which payload layout a snapshot was decoded from.
type Shape int

const (
	ShapeEmpty Shape = iota
	ShapeFlat
	ShapeNestedState
	ShapeFullGame
	ShapeRawPosition
)

func (s Shape) String() string {
	switch s {
	case ShapeFlat:
		return "flat"
	case ShapeNestedState:
		return "nested_state"
	case ShapeFullGame:
		return "full_game"
	case ShapeRawPosition:
		return "raw_position"
	default:
		return "empty"
	}
}

// StatusStarted is the only status that means the game is still in progress.
const StatusStarted = "started"

// Snapshot is one decoded game-state payload. Moves is a space separated
// token list; FEN is set only for raw FEN payloads.
type Snapshot struct {
	Shape  Shape
	Moves  string
	Status string
	FEN    string
	Type   string
}

// HasStatus reports whether the payload carried a status field at all.
func (s Snapshot) HasStatus() bool { return strings.TrimSpace(s.Status) != "" }

// Terminal reports a present status other than "started".
func (s Snapshot) Terminal() bool {
	return s.HasStatus() && s.Status != StatusStarted
}

// Tokens splits the move list; an absent list yields nil.
func (s Snapshot) Tokens() []string {
	return strings.Fields(s.Moves)
}

// MoveCount is the number of plies the server reports.
func (s Snapshot) MoveCount() int { return len(s.Tokens()) }

type statePayload struct {
	Type   string  `json:"type"`
	Moves  *string `json:"moves"`
	Status string  `json:"status"`
}

type envelopePayload struct {
	Type   string          `json:"type"`
	Moves  *string         `json:"moves"`
	Status string          `json:"status"`
	State  json.RawMessage `json:"state"`
}

// ParseSnapshot decodes a server payload into one of the known shapes. It
// never fails: unknown or malformed input degrades to an empty snapshot.
func ParseSnapshot(raw []byte) Snapshot {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Snapshot{Shape: ShapeEmpty}
	}
	switch trimmed[0] {
	case '{':
		return parseObject([]byte(trimmed))
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return Snapshot{Shape: ShapeEmpty}
		}
		return ParseRaw(s)
	default:
		return ParseRaw(trimmed)
	}
}

// ParseRaw interprets a bare string as either a FEN or a move list.
func ParseRaw(s string) Snapshot {
	s = strings.TrimSpace(s)
	if s == "" {
		return Snapshot{Shape: ShapeEmpty}
	}
	if looksLikeFEN(s) {
		return Snapshot{Shape: ShapeRawPosition, FEN: s}
	}
	return Snapshot{Shape: ShapeRawPosition, Moves: s}
}

func parseObject(raw []byte) Snapshot {
	var env envelopePayload
	if err := json.Unmarshal(raw, &env); err != nil {
		return Snapshot{Shape: ShapeEmpty}
	}
	if env.Moves != nil {
		return Snapshot{Shape: ShapeFlat, Moves: strings.TrimSpace(*env.Moves), Status: env.Status, Type: env.Type}
	}
	if len(env.State) == 0 || env.State[0] != '{' {
		return Snapshot{Shape: ShapeEmpty, Status: env.Status, Type: env.Type}
	}
	var st statePayload
	if err := json.Unmarshal(env.State, &st); err != nil {
		return Snapshot{Shape: ShapeEmpty, Status: env.Status, Type: env.Type}
	}
	shape := ShapeNestedState
	if env.Type == "gameFull" {
		shape = ShapeFullGame
	}
	moves := ""
	if st.Moves != nil {
		moves = strings.TrimSpace(*st.Moves)
	}
	return Snapshot{Shape: shape, Moves: moves, Status: st.Status, Type: env.Type}
}

func looksLikeFEN(s string) bool {
	return strings.Contains(s, "/") && strings.Contains(s, " ")
}
