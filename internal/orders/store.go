package orders

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups for an unknown order id or OCA group.
var ErrNotFound = errors.New("order not found")

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Symbol   string
	Status   Status
	OcaGroup string
	OpenOnly bool
}

// Matches reports whether the order passes the filter.
func (f Filter) Matches(o *Order) bool {
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.OcaGroup != "" && o.OcaGroup != f.OcaGroup {
		return false
	}
	if f.OpenOnly && !o.Status.IsOpen() {
		return false
	}
	return true
}

// Store is the durable system of record for orders. Rows are keyed by the
// gateway order id and hold the current state only.
type Store interface {
	// Save inserts or replaces the order as-is. Used on submission attempts.
	Save(ctx context.Context, o *Order) error
	// Upsert writes the order only if its state differs from the stored row and
	// reports whether anything changed.
	Upsert(ctx context.Context, o *Order) (bool, error)
	Get(ctx context.Context, orderID int64) (*Order, error)
	OpenOrders(ctx context.Context) ([]*Order, error)
	List(ctx context.Context, filter Filter) ([]*Order, error)
	ByStrategy(ctx context.Context, strategyID int64) ([]*Order, error)
	Brackets(ctx context.Context) ([]*Bracket, error)
	BracketByGroup(ctx context.Context, ocaGroup string) (*Bracket, error)
	// Delete removes an order row. Administrative cleanup only.
	Delete(ctx context.Context, orderID int64) error
	Ping(ctx context.Context) error
}
