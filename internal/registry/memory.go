package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRegistry is the single-process fallback used when REDIS_URL is unset.
type MemoryRegistry struct {
	mu    sync.Mutex
	now   func() time.Time
	games map[string]memoryClaim
}

type memoryClaim struct {
	owner   string
	expires time.Time
}

func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{now: time.Now, games: make(map[string]memoryClaim)}
}

func (m *MemoryRegistry) Claim(_ context.Context, gameID, owner string, ttl time.Duration) (bool, error) {
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return false, nil
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.games[gameID]; ok && now.Before(c.expires) {
		return false, nil
	}
	m.games[gameID] = memoryClaim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryRegistry) Refresh(_ context.Context, gameID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	gameID = strings.TrimSpace(gameID)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.games[gameID]
	if !ok || c.owner != owner || !now.Before(c.expires) {
		return false, nil
	}
	c.expires = now.Add(ttl)
	m.games[gameID] = c
	return true, nil
}

func (m *MemoryRegistry) Release(_ context.Context, gameID, owner string) error {
	gameID = strings.TrimSpace(gameID)
	m.mu.Lock()
	if c, ok := m.games[gameID]; ok && c.owner == owner {
		delete(m.games, gameID)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) Active(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]string, 0, len(m.games))
	for id, c := range m.games {
		if !now.Before(c.expires) {
			delete(m.games, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
