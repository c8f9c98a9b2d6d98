// Package remote is the network boundary to the account-side progress
// store. Retries and backoff for it live in the reconciler.
package remote

import (
	"context"
	"errors"

	"github.com/example/engprogress/pkg/models"
)

var (
	ErrUnavailable = errors.New("remote: unavailable")
	ErrNoUser      = errors.New("remote: empty user id")
)

// Remote is the authenticated progress store of one account
type Remote interface {
	// PushProgress uploads one record. The remote keeps the copy with the
	// higher version, so an older push is acknowledged and ignored.
	PushProgress(ctx context.Context, userID, itemID string, rec models.ProgressRecord) error
	// PullProgress returns every record of the user keyed by item id
	PullProgress(ctx context.Context, userID string) (map[string]models.ProgressRecord, error)
	// Subscribe calls onChange whenever another device changed the user's
	// records. The returned function stops the subscription.
	Subscribe(ctx context.Context, userID string, onChange func()) (func(), error)
}

// Notifier fans change notifications out to subscribers
type Notifier interface {
	Notify(ctx context.Context, userID string) error
	Listen(ctx context.Context, userID string, onChange func()) (func(), error)
	Close() error
}

func newer(rec models.ProgressRecord, existing models.ProgressRecord, found bool) bool {
	return !found || rec.Version > existing.Version
}
