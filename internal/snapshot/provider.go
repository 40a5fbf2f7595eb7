// Package snapshot reads subscriptions from the external store and serves
// them to the matcher as point-in-time snapshots.
package snapshot

import (
	"context"
	"errors"

	"liqwatch/internal/models"
)

var (
	// ErrStoreUnavailable means the store could not be reached. It carries no
	// information about the subscriber set.
	ErrStoreUnavailable = errors.New("subscription store unavailable")
	// ErrNoSnapshot means no snapshot fresh enough to match against exists;
	// the event is skipped.
	ErrNoSnapshot = errors.New("no subscription snapshot available")
)

// Provider returns the enabled subscriptions. Order is irrelevant.
type Provider interface {
	Fetch(ctx context.Context) ([]models.Subscription, error)
}
