package archive

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps records for the life of the process. Used when no
// database is configured.
type MemoryRepository struct {
	mu    sync.RWMutex
	games map[string]GameRecord
}

func NewMemory() *MemoryRepository {
	return &MemoryRepository{games: make(map[string]GameRecord)}
}

func (m *MemoryRepository) Save(_ context.Context, rec GameRecord) error {
	rec.Moves = append([]string(nil), rec.Moves...)
	m.mu.Lock()
	m.games[rec.GameID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, gameID string) (*GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.games[gameID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Moves = append([]string(nil), rec.Moves...)
	return &rec, nil
}

func (m *MemoryRepository) Recent(_ context.Context, limit int) ([]GameRecord, error) {
	m.mu.RLock()
	items := make([]GameRecord, 0, len(m.games))
	for _, g := range m.games {
		items = append(items, g)
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].EndedAt.Equal(items[j].EndedAt) {
			return items[i].EndedAt.After(items[j].EndedAt)
		}
		return items[i].GameID > items[j].GameID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
