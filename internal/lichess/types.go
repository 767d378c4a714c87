package lichess

import (
	"encoding/json"
	"fmt"
)

// Event is one line of the account event feed.
type Event struct {
	Type      string     `json:"type"`
	Game      *GameRef   `json:"game,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

const (
	EventGameStart         = "gameStart"
	EventGameFinish        = "gameFinish"
	EventChallenge         = "challenge"
	EventChallengeCanceled = "challengeCanceled"
	EventChallengeDeclined = "challengeDeclined"
)

type GameRef struct {
	ID       string `json:"id"`
	GameID   string `json:"gameId"`
	Color    string `json:"color"`
	FEN      string `json:"fen"`
	IsMyTurn bool   `json:"isMyTurn"`
}

// Key returns the game id, preferring gameId when both are present.
func (g *GameRef) Key() string {
	if g == nil {
		return ""
	}
	if g.GameID != "" {
		return g.GameID
	}
	return g.ID
}

type Challenge struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Rated      bool        `json:"rated"`
	Variant    *Variant    `json:"variant,omitempty"`
	Challenger *PlayerInfo `json:"challenger,omitempty"`
}

type Variant struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type PlayerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rating int    `json:"rating"`
}

type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title"`
}

// IsBot reports whether the token belongs to an upgraded bot account.
func (a *Account) IsBot() bool {
	return a != nil && a.Title == "BOT"
}

// ParseEvent decodes one feed line.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// APIError carries a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lichess api error: status=%d body=%s", e.Status, e.Body)
}
