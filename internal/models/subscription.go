package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Subscription is a recipient's liquidation filter as read from the external
// store. The core never mutates it.
type Subscription struct {
	RecipientID       string
	Enabled           bool
	Exchange          string
	ThresholdNotional decimal.Decimal
	// Instruments of interest. An empty list matches nothing.
	Instruments []string
}

// Snapshot is an immutable point-in-time list of enabled subscriptions.
type Snapshot struct {
	Subscriptions []Subscription
	FetchedAt     time.Time
}

// Age reports how old the snapshot is relative to now.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(s.FetchedAt)
}
