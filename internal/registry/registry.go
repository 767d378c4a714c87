package registry

import (
	"context"
	"time"
)

// Registry tracks which games have a live session so a replayed gameStart
// (the server resends them after a reconnect) does not spawn a second one.
// Claims are short-lived and kept alive by the owning session through
// Refresh, so a claim left behind by a dead process lapses on its own.
type Registry interface {
	// Claim returns false when another owner holds a live claim on gameID.
	Claim(ctx context.Context, gameID, owner string, ttl time.Duration) (bool, error)
	// Refresh extends a claim held by owner. false means the claim was lost.
	Refresh(ctx context.Context, gameID, owner string, ttl time.Duration) (bool, error)
	// Release drops the claim if owner still holds it.
	Release(ctx context.Context, gameID, owner string) error
	Active(ctx context.Context) ([]string, error)
}
