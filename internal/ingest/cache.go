package ingest

import (
	"context"
	"time"

	"github.com/PairTraceDev/pairtrace-web/internal/db"
	"github.com/PairTraceDev/pairtrace-web/internal/models"
)

// batchCache memoizes email-to-user and token-to-session resolution for
// one batch. It is constructed per batch and discarded with it; sharing
// it across batches would leak stale mappings between concurrent
// transactions.
type batchCache struct {
	users    map[string]*models.User
	sessions map[string]*models.Session
}

func newBatchCache() *batchCache {
	return &batchCache{
		users:    make(map[string]*models.User),
		sessions: make(map[string]*models.Session),
	}
}

// resolveUser returns the identity for an email, creating it on first
// sight within the batch transaction. Subsequent lookups for the same
// email in the same batch are memory hits.
func (c *batchCache) resolveUser(ctx context.Context, tx *db.Tx, email string, seenAt time.Time) (*models.User, error) {
	if user, ok := c.users[email]; ok {
		return user, nil
	}
	user, err := tx.FindOrCreateUser(ctx, email, seenAt)
	if err != nil {
		return nil, err
	}
	c.users[email] = user
	return user, nil
}

// resolveSession returns the session for a token, creating it on first
// sight. The cached row reflects first-writer-wins ownership.
func (c *batchCache) resolveSession(ctx context.Context, tx *db.Tx, params db.SessionParams) (*models.Session, error) {
	if session, ok := c.sessions[params.SessionID]; ok {
		return session, nil
	}
	session, err := tx.FindOrCreateSession(ctx, params)
	if err != nil {
		return nil, err
	}
	c.sessions[params.SessionID] = session
	return session, nil
}
