// Package reconcile merges the gateway's live open-order list into the order
// store and the order cache.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trading-gateway-core/internal/cache"
	"trading-gateway-core/internal/events"
	"trading-gateway-core/internal/orders"

	"github.com/rs/zerolog"
)

// Resolved records one open order that vanished from the live list and the
// terminal state it was given.
type Resolved struct {
	OrderID    int64             `json:"order_id"`
	Status     orders.Status     `json:"status"`
	Resolution orders.Resolution `json:"resolution"`
}

// BracketChange records a derived bracket status that moved during a pass.
type BracketChange struct {
	OcaGroup string `json:"oca_group"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Result summarizes one reconciliation pass.
type Result struct {
	Live      int             `json:"live"`
	Updated   int             `json:"updated"`
	Unchanged int             `json:"unchanged"`
	Deferred  int             `json:"deferred"` // written locally after the snapshot, left for the next pass
	Resolved  []Resolved      `json:"resolved"`
	Brackets  []BracketChange `json:"brackets"`
	Duration  time.Duration   `json:"duration"`
}

// localWriteRetention bounds how long a local write is remembered. Snapshots
// are never older than a few request timeouts.
const localWriteRetention = 10 * time.Minute

type localWrite struct {
	seq uint64
	at  time.Time
}

// Reconciler applies live snapshots to the store and cache. Passes are
// serialized; replaying a snapshot leaves the store unchanged.
type Reconciler struct {
	store  orders.Store
	cache  *cache.OrderCache
	bus    *events.EventBus
	logger zerolog.Logger
	mu     sync.Mutex

	// Local writes racing a pass: orders persisted but not yet acknowledged,
	// and the sequence number of each order's latest local write.
	writesMu sync.Mutex
	writeSeq uint64
	inFlight map[int64]int
	written  map[int64]localWrite
}

// NewReconciler creates a reconciler. cache and bus may be nil.
func NewReconciler(store orders.Store, orderCache *cache.OrderCache, bus *events.EventBus, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		cache:    orderCache,
		bus:      bus,
		logger:   logger.With().Str("component", "Reconciler").Logger(),
		inFlight: make(map[int64]int),
		written:  make(map[int64]localWrite),
	}
}

// ============================================================================
// LOCAL WRITES
// ============================================================================

// Mark returns the current local-write sequence. Take it before fetching a
// live snapshot and pass it to ReconcileSnapshot.
func (r *Reconciler) Mark() uint64 {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()
	return r.writeSeq
}

// BeginWrite flags orders whose local state is about to change ahead of the
// gateway (persisted before transmit, cancel or modify in progress). A pass
// leaves them alone until EndWrite.
func (r *Reconciler) BeginWrite(ids ...int64) {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()
	r.writeSeq++
	now := time.Now()
	for _, id := range ids {
		r.inFlight[id]++
		r.written[id] = localWrite{seq: r.writeSeq, at: now}
	}
}

// EndWrite clears the in-flight flag. Snapshots marked before this call
// still skip the orders.
func (r *Reconciler) EndWrite(ids ...int64) {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()
	r.writeSeq++
	now := time.Now()
	for _, id := range ids {
		if r.inFlight[id] <= 1 {
			delete(r.inFlight, id)
		} else {
			r.inFlight[id]--
		}
		r.written[id] = localWrite{seq: r.writeSeq, at: now}
	}
	for id, w := range r.written {
		if now.Sub(w.at) > localWriteRetention && r.inFlight[id] == 0 {
			delete(r.written, id)
		}
	}
}

// writtenSince reports whether the order has a local write in flight or one
// newer than the snapshot mark.
func (r *Reconciler) writtenSince(id int64, mark uint64) (inFlight, newer bool) {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()
	w, ok := r.written[id]
	return r.inFlight[id] > 0, ok && w.seq > mark
}

// ============================================================================
// RECONCILIATION
// ============================================================================

// Reconcile merges one live open-order snapshot. Orders in the snapshot are
// upserted with their store-only fields preserved. Orders in the store's open
// set that are missing from the snapshot are resolved:
//   - a pending cancel is confirmed as Cancelled
//   - a bracket exit leg whose sibling exit leg filled is Cancelled by the OCA group
//   - anything else is assumed Filled (implicit_fill); a cancel made outside
//     this system is indistinguishable and is recorded the same way
//
// A store write failure aborts the pass and is returned.
//
// The snapshot is treated as taken now. Use ReconcileSnapshot when it was
// fetched earlier.
func (r *Reconciler) Reconcile(ctx context.Context, live []*orders.Order) (*Result, error) {
	return r.ReconcileSnapshot(ctx, live, r.Mark())
}

// ReconcileSnapshot is Reconcile for a snapshot fetched after Mark returned
// mark. Orders written locally after the mark, or still in flight, are
// counted as deferred: a live row for them is stale and their absence does
// not mean they left the gateway.
func (r *Reconciler) ReconcileSnapshot(ctx context.Context, live []*orders.Order, mark uint64) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	result := &Result{Live: len(live), Resolved: []Resolved{}, Brackets: []BracketChange{}}

	open, err := r.store.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open orders: %w", err)
	}

	stored := make(map[int64]*orders.Order, len(open))
	groups := make(map[string]bool)
	for _, o := range open {
		stored[o.OrderID] = o
		if o.OcaGroup != "" {
			groups[o.OcaGroup] = true
		}
	}
	for _, o := range live {
		if o != nil && o.OcaGroup != "" {
			groups[o.OcaGroup] = true
		}
	}

	before := r.bracketStatuses(ctx, groups)

	// state holds every order's state as of this pass, for sibling lookups
	state := make(map[int64]*orders.Order)
	seen := make(map[int64]bool, len(live))

	for _, l := range live {
		if l == nil || seen[l.OrderID] {
			continue
		}
		seen[l.OrderID] = true

		if _, newer := r.writtenSince(l.OrderID, mark); newer {
			result.Deferred++
			continue
		}

		existing := stored[l.OrderID]
		if existing == nil {
			existing, err = r.store.Get(ctx, l.OrderID)
			if err != nil && !errors.Is(err, orders.ErrNotFound) {
				return nil, fmt.Errorf("failed to load order %d: %w", l.OrderID, err)
			}
		}
		merged := merge(existing, l)
		if merged.OcaGroup != "" {
			groups[merged.OcaGroup] = true
		}

		changed, err := r.apply(ctx, existing, merged)
		if err != nil {
			return nil, err
		}
		if changed {
			result.Updated++
		} else {
			result.Unchanged++
		}
		state[merged.OrderID] = merged
	}

	var vanished []*orders.Order
	for id, o := range stored {
		if seen[id] {
			continue
		}
		if inFlight, newer := r.writtenSince(id, mark); inFlight || newer {
			result.Deferred++
			continue
		}
		vanished = append(vanished, o)
	}
	sort.Slice(vanished, func(i, j int) bool { return vanished[i].OrderID < vanished[j].OrderID })

	for _, o := range vanished {
		resolved := r.resolveVanished(ctx, o, state)
		if _, err := r.apply(ctx, o, resolved); err != nil {
			return nil, err
		}
		state[resolved.OrderID] = resolved
		result.Updated++
		result.Resolved = append(result.Resolved, Resolved{
			OrderID:    resolved.OrderID,
			Status:     resolved.Status,
			Resolution: resolved.Resolution,
		})
	}

	result.Brackets = r.publishBracketChanges(ctx, groups, before)
	r.refreshIndexes(ctx)

	result.Duration = time.Since(start)
	r.bus.PublishReconcileCompleted(result.Live, result.Updated, len(result.Resolved))

	r.logger.Debug().
		Int("live", result.Live).
		Int("updated", result.Updated).
		Int("deferred", result.Deferred).
		Int("resolved", len(result.Resolved)).
		Dur("duration", result.Duration).
		Msg("Reconciliation pass complete")

	return result, nil
}

// merge overlays the gateway's view on the stored row. The gateway does not
// know about strategy ids, notes or submission time, and may omit linkage on
// some order types, so those are carried over from the store.
func merge(existing, live *orders.Order) *orders.Order {
	m := live.Clone()
	m.Resolution = orders.ResolutionNone
	if existing != nil {
		if m.StrategyID == nil && existing.StrategyID != nil {
			m.StrategyID = orders.Int64(*existing.StrategyID)
		}
		if m.OcaGroup == "" {
			m.OcaGroup = existing.OcaGroup
		}
		if m.ParentID == nil && existing.ParentID != nil {
			m.ParentID = orders.Int64(*existing.ParentID)
		}
		if m.Notes == "" {
			m.Notes = existing.Notes
		}
		if m.SubmittedAt.IsZero() {
			m.SubmittedAt = existing.SubmittedAt
		}
	}
	if m.AssetType == "" {
		m.AssetType = orders.AssetStock
	}
	if m.TimeInForce == "" {
		m.TimeInForce = orders.TIFDay
	}
	m.Normalize()
	return m
}

func (r *Reconciler) resolveVanished(ctx context.Context, o *orders.Order, state map[int64]*orders.Order) *orders.Order {
	resolved := o.Clone()

	switch {
	case o.Status == orders.StatusPendingCancel:
		resolved.Status = orders.StatusCancelled
		resolved.Resolution = orders.ResolutionCancelConfirmed
	case o.IsExitLeg() && r.siblingFilled(ctx, o, state):
		resolved.Status = orders.StatusCancelled
		resolved.Resolution = orders.ResolutionOCASibling
	default:
		resolved.Status = orders.StatusFilled
		resolved.Resolution = orders.ResolutionImplicitFill
		resolved.FilledQuantity = o.Quantity
	}

	resolved.Normalize()
	return resolved
}

// siblingFilled reports whether the other exit leg of o's bracket is Filled,
// preferring state from the current pass over the store.
func (r *Reconciler) siblingFilled(ctx context.Context, o *orders.Order, state map[int64]*orders.Order) bool {
	if o.OcaGroup == "" {
		return false
	}
	b, err := r.store.BracketByGroup(ctx, o.OcaGroup)
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			r.logger.Warn().Err(err).Str("oca_group", o.OcaGroup).Msg("Failed to load bracket for sibling check")
		}
		return false
	}
	sibling := b.Sibling(o)
	if sibling == nil {
		return false
	}
	if current, ok := state[sibling.OrderID]; ok {
		sibling = current
	}
	return sibling.Status == orders.StatusFilled
}

// apply writes one order and publishes its transition. Store failures are returned.
func (r *Reconciler) apply(ctx context.Context, existing, next *orders.Order) (bool, error) {
	if existing != nil && !orders.CanTransition(existing.Status, next.Status) {
		r.logger.Warn().
			Int64("order_id", next.OrderID).
			Str("from", string(existing.Status)).
			Str("to", string(next.Status)).
			Msg("Gateway reported an out-of-order status transition, accepting gateway state")
	}

	changed, err := r.store.Upsert(ctx, next)
	if err != nil {
		return false, fmt.Errorf("failed to store order %d: %w", next.OrderID, err)
	}

	if r.cache != nil {
		if err := r.cache.PutOrder(ctx, next); err != nil {
			r.logger.Debug().Err(err).Int64("order_id", next.OrderID).Msg("Failed to refresh cached order")
		}
	}

	if changed {
		r.publishTransition(existing, next)
	}
	return changed, nil
}

func (r *Reconciler) publishTransition(existing, next *orders.Order) {
	var from orders.Status
	if existing != nil {
		from = existing.Status
	}
	if from == next.Status {
		return
	}

	r.logger.Info().
		Int64("order_id", next.OrderID).
		Str("symbol", next.Symbol).
		Str("from", string(from)).
		Str("to", string(next.Status)).
		Str("resolution", string(next.Resolution)).
		Msg("Order status changed")

	r.bus.PublishOrderStatusChanged(next.OrderID, next.Symbol, string(from), string(next.Status), string(next.Resolution))
	switch next.Status {
	case orders.StatusFilled:
		r.bus.PublishOrderFilled(next.OrderID, next.Symbol, next.FilledQuantity, next.AvgFillPrice, string(next.Resolution))
	case orders.StatusCancelled, orders.StatusAPICancelled:
		r.bus.PublishOrderCancelled(next.OrderID, next.Symbol, string(next.Resolution))
	}
}

func (r *Reconciler) bracketStatuses(ctx context.Context, groups map[string]bool) map[string]string {
	statuses := make(map[string]string, len(groups))
	for g := range groups {
		b, err := r.store.BracketByGroup(ctx, g)
		if err != nil {
			continue
		}
		statuses[g] = b.Status()
	}
	return statuses
}

func (r *Reconciler) publishBracketChanges(ctx context.Context, groups map[string]bool, before map[string]string) []BracketChange {
	labels := make([]string, 0, len(groups))
	for g := range groups {
		labels = append(labels, g)
	}
	sort.Strings(labels)

	changes := []BracketChange{}
	for _, g := range labels {
		b, err := r.store.BracketByGroup(ctx, g)
		if err != nil {
			continue
		}
		if r.cache != nil {
			if err := r.cache.PutBracket(ctx, b); err != nil {
				r.logger.Debug().Err(err).Str("oca_group", g).Msg("Failed to refresh cached bracket")
			}
		}

		to := b.Status()
		from := before[g]
		if to == from {
			continue
		}
		changes = append(changes, BracketChange{OcaGroup: g, From: from, To: to})
		r.logger.Info().Str("oca_group", g).Str("from", from).Str("to", to).Msg("Bracket status changed")
		r.bus.PublishBracketStatusChanged(g, from, to)
	}
	return changes
}

// refreshIndexes rewrites the cached open-order and bracket indexes from the
// store. Failures leave the cache to expire on its own.
func (r *Reconciler) refreshIndexes(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if open, err := r.store.OpenOrders(ctx); err == nil {
		if err := r.cache.PutOpenOrders(ctx, open); err != nil {
			r.logger.Debug().Err(err).Msg("Failed to refresh open-order index")
		}
	} else {
		r.logger.Warn().Err(err).Msg("Failed to reload open orders for the cache index")
	}
	if brackets, err := r.store.Brackets(ctx); err == nil {
		if err := r.cache.PutBrackets(ctx, brackets); err != nil {
			r.logger.Debug().Err(err).Msg("Failed to refresh bracket index")
		}
	} else {
		r.logger.Warn().Err(err).Msg("Failed to reload brackets for the cache index")
	}
}
