package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trading-gateway-core/internal/orders"
)

// MemoryStore is an in-process orders.Store. It backs dry runs and tests and
// behaves like OrderRepository, including change detection on Upsert.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[int64]*orders.Order
	writes int
	err    error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[int64]*orders.Order)}
}

var _ orders.Store = (*MemoryStore)(nil)

// FailWith makes every subsequent call return err; nil restores normal operation
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Writes returns how many rows were written
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *MemoryStore) Save(ctx context.Context, o *orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("failed to save order %d: %w", o.OrderID, s.err)
	}
	s.put(o)
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, o *orders.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, fmt.Errorf("failed to upsert order %d: %w", o.OrderID, s.err)
	}

	existing, ok := s.orders[o.OrderID]
	if ok && existing.SameState(o) {
		return false, nil
	}
	if ok && o.SubmittedAt.IsZero() {
		o = o.Clone()
		o.SubmittedAt = existing.SubmittedAt
	}
	s.put(o)
	return true, nil
}

func (s *MemoryStore) put(o *orders.Order) {
	s.orders[o.OrderID] = o.Clone()
	s.writes++
}

func (s *MemoryStore) Get(ctx context.Context, orderID int64) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, orders.ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) OpenOrders(ctx context.Context) ([]*orders.Order, error) {
	return s.List(ctx, orders.Filter{OpenOnly: true})
}

func (s *MemoryStore) List(ctx context.Context, filter orders.Filter) ([]*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}

	var list []*orders.Order
	for _, o := range s.orders {
		if filter.Matches(o) {
			list = append(list, o.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].OrderID < list[j].OrderID })
	return list, nil
}

func (s *MemoryStore) ByStrategy(ctx context.Context, strategyID int64) ([]*orders.Order, error) {
	all, err := s.List(ctx, orders.Filter{})
	if err != nil {
		return nil, err
	}
	var list []*orders.Order
	for _, o := range all {
		if o.StrategyID != nil && *o.StrategyID == strategyID {
			list = append(list, o)
		}
	}
	return list, nil
}

func (s *MemoryStore) Brackets(ctx context.Context) ([]*orders.Bracket, error) {
	all, err := s.List(ctx, orders.Filter{})
	if err != nil {
		return nil, err
	}
	return orders.GroupBrackets(all), nil
}

func (s *MemoryStore) BracketByGroup(ctx context.Context, ocaGroup string) (*orders.Bracket, error) {
	members, err := s.List(ctx, orders.Filter{OcaGroup: ocaGroup})
	if err != nil {
		return nil, err
	}
	brackets := orders.GroupBrackets(members)
	if len(brackets) == 0 {
		return nil, fmt.Errorf("bracket %s: %w", ocaGroup, orders.ErrNotFound)
	}
	return brackets[0], nil
}

func (s *MemoryStore) Delete(ctx context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.orders[orderID]; !ok {
		return fmt.Errorf("order %d: %w", orderID, orders.ErrNotFound)
	}
	delete(s.orders, orderID)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
