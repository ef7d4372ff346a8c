package db

import (
	"context"
	"time"
)

// Store is the durable ledger of orders.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, orderNo string) (*Order, error)
	// ListUnpaidSince returns unpaid orders created at or after cutoff, oldest first.
	ListUnpaidSince(ctx context.Context, cutoff time.Time) ([]*Order, error)
	// Update loads the order, applies fn and persists the result as one atomic step.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, orderNo string, fn func(*Order) error) (*Order, error)
}
