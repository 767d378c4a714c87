// Package analysisdto holds the JSON messages of the analysis websocket.
package analysisdto

// Request is a JSON array of SAN moves from the initial position.
type Request []string

// PV is one candidate line. ScoreCP and Mate are null when unknown; at most
// one of them is set.
type PV struct {
	Move    string `json:"move"`
	ScoreCP *int   `json:"score_cp"`
	Mate    *int   `json:"mate"`
}

type Analysis struct {
	PVs []PV   `json:"pvs"`
	FEN string `json:"fen"`
}

type Status struct {
	Status string `json:"status"`
}

type Error struct {
	Error string `json:"error"`
}

const (
	StatusReset      = "reset"
	ErrInvalidJSON   = "Invalid JSON"
	ErrExpectedMoves = "Expected list of moves"
)
