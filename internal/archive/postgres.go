package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS bot_games (
	game_id     TEXT PRIMARY KEY,
	color       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	end_reason  TEXT NOT NULL DEFAULT '',
	moves       JSONB NOT NULL DEFAULT '[]'::jsonb,
	moves_sent  INTEGER NOT NULL DEFAULT 0,
	epoch       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0
)`

type PostgresRepository struct {
	db *sql.DB
}

// OpenPostgres opens DATABASE_URL, pings it and creates the table if needed.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	repo := NewPostgres(db)
	if err := repo.EnsureSchema(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func NewPostgres(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create bot_games: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save upserts the record; a replayed session end overwrites the earlier row.
func (r *PostgresRepository) Save(ctx context.Context, rec GameRecord) error {
	if strings.TrimSpace(rec.GameID) == "" {
		return fmt.Errorf("empty game id")
	}
	moves := rec.Moves
	if moves == nil {
		moves = []string{}
	}
	movesJSON, err := json.Marshal(moves)
	if err != nil {
		return fmt.Errorf("marshal moves: %w", err)
	}

	const q = `
		INSERT INTO bot_games (
			game_id, color, status, end_reason, moves, moves_sent,
			epoch, started_at, ended_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)
		ON CONFLICT (game_id) DO UPDATE SET
			status=EXCLUDED.status,
			end_reason=EXCLUDED.end_reason,
			moves=EXCLUDED.moves,
			moves_sent=EXCLUDED.moves_sent,
			epoch=EXCLUDED.epoch,
			ended_at=EXCLUDED.ended_at,
			duration_ms=EXCLUDED.duration_ms`

	_, err = r.db.ExecContext(ctx, q,
		rec.GameID, rec.Color, rec.Status, rec.Reason, string(movesJSON), rec.MovesSent,
		rec.Epoch, rec.StartedAt, rec.EndedAt, rec.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert bot game: %w", err)
	}
	return nil
}

const selectColumns = `game_id, color, status, end_reason, moves, moves_sent, epoch, started_at, ended_at`

func (r *PostgresRepository) Get(ctx context.Context, gameID string) (*GameRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM bot_games WHERE game_id = $1`, gameID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRepository) Recent(ctx context.Context, limit int) ([]GameRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM bot_games ORDER BY ended_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select bot games: %w", err)
	}
	defer rows.Close()

	out := make([]GameRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (GameRecord, error) {
	var (
		rec       GameRecord
		movesJSON []byte
	)
	if err := s.Scan(&rec.GameID, &rec.Color, &rec.Status, &rec.Reason, &movesJSON, &rec.MovesSent, &rec.Epoch, &rec.StartedAt, &rec.EndedAt); err != nil {
		return GameRecord{}, err
	}
	if len(movesJSON) > 0 {
		if err := json.Unmarshal(movesJSON, &rec.Moves); err != nil {
			return GameRecord{}, fmt.Errorf("decode moves: %w", err)
		}
	}
	return rec, nil
}
