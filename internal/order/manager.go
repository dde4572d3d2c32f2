// Package order is the order service exposed to collaborators: it gates every
// submission through the risk gate, persists before transmitting, and serves
// open orders and brackets from the cache, the gateway or the store.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"trading-gateway-core/internal/broker"
	"trading-gateway-core/internal/cache"
	"trading-gateway-core/internal/events"
	"trading-gateway-core/internal/gateway"
	"trading-gateway-core/internal/orders"
	"trading-gateway-core/internal/reconcile"
	"trading-gateway-core/internal/risk"

	"github.com/rs/zerolog"
)

// Broker is the gateway adapter as used by the order manager.
// *broker.Adapter satisfies it.
type Broker interface {
	SetPersistFunc(fn broker.PersistFunc)
	Submit(ctx context.Context, o *orders.Order) (*orders.Order, error)
	SubmitBracket(ctx context.Context, main, target, stop *orders.Order) (*orders.Bracket, error)
	SubmitTrailingStop(ctx context.Context, req broker.TrailingStopRequest) (*orders.Order, error)
	Cancel(ctx context.Context, orderID int64) (*orders.Order, error)
	Modify(ctx context.Context, orderID int64, req broker.ModifyRequest) (*orders.Order, error)
	OpenOrders(ctx context.Context) ([]*orders.Order, error)
	Portfolio(ctx context.Context) (*gateway.AccountSummary, error)
	Health() broker.Health
}

var _ Broker = (*broker.Adapter)(nil)

// RiskRejectedError is returned when the risk gate does not approve a trade.
// Nothing was persisted or transmitted.
type RiskRejectedError struct {
	Result risk.Result
}

func (e *RiskRejectedError) Error() string {
	return "risk check rejected trade: " + strings.Join(e.Result.Warnings, "; ")
}

// Source names where a read was served from
type Source string

const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
	SourceStore Source = "store"
)

// OpenOrders is the result of GetOpenOrders
type OpenOrders struct {
	Orders []*orders.Order `json:"orders"`
	Source Source          `json:"source"`
}

// Brackets is the result of GetBrackets
type Brackets struct {
	Brackets []*orders.Bracket `json:"brackets"`
	Source   Source            `json:"source"`
}

// Manager coordinates the adapter, the risk gate, the store and the cache
type Manager struct {
	broker     Broker
	store      orders.Store
	cache      *cache.OrderCache
	gate       *risk.Gate
	reconciler *reconcile.Reconciler
	bus        *events.EventBus
	logger     zerolog.Logger
}

// NewManager creates the order manager and installs its persist hook on the
// broker. cache, reconciler and bus may be nil.
func NewManager(
	b Broker,
	store orders.Store,
	orderCache *cache.OrderCache,
	gate *risk.Gate,
	reconciler *reconcile.Reconciler,
	bus *events.EventBus,
	logger zerolog.Logger,
) *Manager {
	m := &Manager{
		broker:     b,
		store:      store,
		cache:      orderCache,
		gate:       gate,
		reconciler: reconciler,
		bus:        bus,
		logger:     logger.With().Str("component", "OrderManager").Logger(),
	}
	b.SetPersistFunc(m.persist)
	return m
}

// persist records prepared orders before the broker transmits them. A store
// write failure aborts the submission.
func (m *Manager) persist(ctx context.Context, prepared []*orders.Order) error {
	ids := make([]int64, 0, len(prepared))
	for _, o := range prepared {
		ids = append(ids, o.OrderID)
	}
	// Held until the submission returns so a concurrent pass cannot read
	// the not-yet-acknowledged rows as vanished
	m.beginWrite(ctx, ids...)

	for _, o := range prepared {
		if err := m.store.Save(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

type writesKey struct{}

// submission collects the ids persisted during one submission
type submission struct {
	mu  sync.Mutex
	ids []int64
}

// trackWrites returns a context that records persisted ids, and a func that
// releases them once the acknowledgement has been recorded.
func (m *Manager) trackWrites(ctx context.Context) (context.Context, func()) {
	sub := &submission{}
	return context.WithValue(ctx, writesKey{}, sub), func() {
		sub.mu.Lock()
		ids := sub.ids
		sub.mu.Unlock()
		if m.reconciler != nil && len(ids) > 0 {
			m.reconciler.EndWrite(ids...)
		}
	}
}

func (m *Manager) beginWrite(ctx context.Context, ids ...int64) {
	if m.reconciler == nil {
		return
	}
	sub, ok := ctx.Value(writesKey{}).(*submission)
	if !ok {
		// Not started by Submit*; nothing would release the hold
		return
	}
	sub.mu.Lock()
	sub.ids = append(sub.ids, ids...)
	sub.mu.Unlock()
	m.reconciler.BeginWrite(ids...)
}

// ============================================================================
// READS
// ============================================================================

// GetOpenOrders serves open orders from the cache, then from a live query
// (which is reconciled into the store), then from the store.
func (m *Manager) GetOpenOrders(ctx context.Context, filter orders.Filter) (*OpenOrders, error) {
	filter.OpenOnly = true

	if m.cache != nil {
		if list, ok := m.cache.GetOpenOrders(ctx); ok {
			return &OpenOrders{Orders: applyFilter(list, filter), Source: SourceCache}, nil
		}
	}

	var mark uint64
	if m.reconciler != nil {
		mark = m.reconciler.Mark()
	}
	live, liveErr := m.broker.OpenOrders(ctx)
	if liveErr == nil {
		if m.reconciler != nil {
			if _, err := m.reconciler.ReconcileSnapshot(ctx, live, mark); err != nil {
				m.logger.Warn().Err(err).Msg("Reconciliation after live query failed")
			}
		}
		return &OpenOrders{Orders: applyFilter(live, filter), Source: SourceLive}, nil
	}
	m.logger.Warn().Err(liveErr).Msg("Live open-order query failed, falling back to store")

	list, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("live query: %w", liveErr),
			fmt.Errorf("store: %w", err),
		)
	}
	return &OpenOrders{Orders: list, Source: SourceStore}, nil
}

func applyFilter(list []*orders.Order, filter orders.Filter) []*orders.Order {
	out := make([]*orders.Order, 0, len(list))
	for _, o := range list {
		if filter.Matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// GetBrackets serves brackets from the cache, then from the store
func (m *Manager) GetBrackets(ctx context.Context) (*Brackets, error) {
	if m.cache != nil {
		if list, ok := m.cache.GetBrackets(ctx); ok {
			return &Brackets{Brackets: list, Source: SourceCache}, nil
		}
	}

	list, err := m.store.Brackets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load brackets: %w", err)
	}
	if m.cache != nil {
		if err := m.cache.PutBrackets(ctx, list); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to cache brackets")
		}
	}
	return &Brackets{Brackets: list, Source: SourceStore}, nil
}

// ============================================================================
// RISK
// ============================================================================

// Portfolio converts the gateway account summary into the risk gate's view.
// Flat positions are not counted.
func (m *Manager) Portfolio(ctx context.Context) (risk.Portfolio, error) {
	summary, err := m.broker.Portfolio(ctx)
	if err != nil {
		return risk.Portfolio{}, fmt.Errorf("failed to load portfolio for risk check: %w", err)
	}

	p := risk.Portfolio{TotalValue: summary.NetLiquidation}
	for _, pos := range summary.Positions {
		if pos.Quantity == 0 {
			continue
		}
		p.Positions = append(p.Positions, risk.Position{
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			MarketValue:   pos.MarketValue,
			UnrealizedPnL: pos.UnrealizedPnL,
		})
	}
	return p, nil
}

// EvaluateRisk evaluates a trade against the live portfolio
func (m *Manager) EvaluateRisk(ctx context.Context, trade risk.Trade) (risk.Result, error) {
	portfolio, err := m.Portfolio(ctx)
	if err != nil {
		return risk.Result{}, err
	}
	return m.gate.Evaluate(trade, portfolio), nil
}

// RiskPolicy returns the active risk limits
func (m *Manager) RiskPolicy() risk.Config {
	return m.gate.PolicySummary()
}

// tradeFor builds the risk trade for an order. The order's own limit or stop
// price is used when present, otherwise the caller's reference price.
func tradeFor(o *orders.Order, referencePrice float64) risk.Trade {
	price := referencePrice
	switch {
	case o.LimitPrice != nil:
		price = *o.LimitPrice
	case o.StopPrice != nil:
		price = *o.StopPrice
	}
	asset := o.AssetType
	if asset == "" {
		asset = orders.AssetStock
	}
	return risk.Trade{
		Symbol:    o.Symbol,
		Action:    o.Action,
		Quantity:  o.Quantity,
		Price:     price,
		AssetType: asset,
	}
}

// approve runs the risk gate. A non-approved result is a hard stop.
func (m *Manager) approve(ctx context.Context, o *orders.Order, referencePrice float64) (risk.Result, error) {
	result, err := m.EvaluateRisk(ctx, tradeFor(o, referencePrice))
	if err != nil {
		return result, err
	}
	if !result.Approved {
		m.logger.Warn().
			Str("symbol", o.Symbol).
			Str("action", o.Action).
			Float64("quantity", o.Quantity).
			Strs("warnings", result.Warnings).
			Msg("Trade rejected by risk gate")
		return result, &RiskRejectedError{Result: result}
	}
	return result, nil
}

// ============================================================================
// SUBMISSION
// ============================================================================

// Submit validates, risk-checks, persists and transmits one order.
// referencePrice is used for the risk check when the order carries no price.
func (m *Manager) Submit(ctx context.Context, o *orders.Order, referencePrice float64) (*orders.Order, error) {
	if err := orders.Validate(o); err != nil {
		return nil, err
	}
	if _, err := m.approve(ctx, o, referencePrice); err != nil {
		return nil, err
	}

	ctx, release := m.trackWrites(ctx)
	defer release()

	placed, err := m.broker.Submit(ctx, o)
	if placed == nil {
		return nil, err
	}
	if recErr := m.recordAck(ctx, placed); recErr != nil {
		return placed, errors.Join(err, recErr)
	}
	if err != nil {
		return placed, err
	}

	m.bus.PublishOrderSubmitted(placed.OrderID, placed.Symbol, placed.Action, placed.OrderType, placed.Quantity, string(placed.Status))
	return placed, nil
}

// SubmitTrailingStop validates, risk-checks and places a trailing stop
func (m *Manager) SubmitTrailingStop(ctx context.Context, req broker.TrailingStopRequest, referencePrice float64) (*orders.Order, error) {
	o := req.Order()
	if err := orders.Validate(o); err != nil {
		return nil, err
	}
	if _, err := m.approve(ctx, o, referencePrice); err != nil {
		return nil, err
	}

	ctx, release := m.trackWrites(ctx)
	defer release()

	placed, err := m.broker.SubmitTrailingStop(ctx, req)
	if placed == nil {
		return nil, err
	}
	if recErr := m.recordAck(ctx, placed); recErr != nil {
		return placed, errors.Join(err, recErr)
	}
	if err != nil {
		return placed, err
	}

	m.bus.PublishOrderSubmitted(placed.OrderID, placed.Symbol, placed.Action, placed.OrderType, placed.Quantity, string(placed.Status))
	return placed, nil
}

// SubmitBracket validates the legs, risk-checks the entry and places the bracket
func (m *Manager) SubmitBracket(ctx context.Context, main, target, stop *orders.Order, referencePrice float64) (*orders.Bracket, error) {
	if err := orders.ValidateBracket(main, target, stop); err != nil {
		return nil, err
	}
	if _, err := m.approve(ctx, main, referencePrice); err != nil {
		return nil, err
	}

	ctx, release := m.trackWrites(ctx)
	defer release()

	b, err := m.broker.SubmitBracket(ctx, main, target, stop)
	if b == nil {
		return nil, err
	}
	if recErr := m.recordAck(ctx, b.Legs()...); recErr != nil {
		return b, errors.Join(err, recErr)
	}
	if err != nil {
		return b, err
	}

	for _, leg := range b.Legs() {
		m.bus.PublishOrderSubmitted(leg.OrderID, leg.Symbol, leg.Action, leg.OrderType, leg.Quantity, string(leg.Status))
	}
	m.bus.PublishBracketStatusChanged(b.OcaGroup, "", b.Status())
	return b, nil
}

// recordAck stores the acknowledged state of placed orders and drops the
// cached indexes that no longer include them.
func (m *Manager) recordAck(ctx context.Context, placed ...*orders.Order) error {
	var errs []error
	for _, o := range placed {
		if err := m.store.Save(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("failed to record order %d: %w", o.OrderID, err))
			continue
		}
		m.invalidate(ctx, o)
	}
	return errors.Join(errs...)
}

func (m *Manager) invalidate(ctx context.Context, o *orders.Order) {
	if m.cache == nil {
		return
	}
	if err := m.cache.InvalidateOrder(ctx, o.OrderID, o.OcaGroup); err != nil {
		m.logger.Warn().Err(err).Int64("order_id", o.OrderID).Msg("Cache invalidation incomplete")
	}
}

// ============================================================================
// CANCEL / MODIFY
// ============================================================================

// withStoreFields carries store-only fields from the stored row onto a live order
func (m *Manager) withStoreFields(ctx context.Context, live *orders.Order) (*orders.Order, *orders.Order) {
	o := live.Clone()
	existing, err := m.store.Get(ctx, live.OrderID)
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			m.logger.Warn().Err(err).Int64("order_id", live.OrderID).Msg("Failed to load stored order")
		}
		return o, nil
	}
	if o.StrategyID == nil {
		o.StrategyID = existing.StrategyID
	}
	if o.OcaGroup == "" {
		o.OcaGroup = existing.OcaGroup
	}
	if o.ParentID == nil {
		o.ParentID = existing.ParentID
	}
	if o.Notes == "" {
		o.Notes = existing.Notes
	}
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = existing.SubmittedAt
	}
	return o, existing
}

// Cancel requests cancellation, records PendingCancel and invalidates the cache
func (m *Manager) Cancel(ctx context.Context, orderID int64) (*orders.Order, error) {
	if m.reconciler != nil {
		m.reconciler.BeginWrite(orderID)
		defer m.reconciler.EndWrite(orderID)
	}

	cancelled, err := m.broker.Cancel(ctx, orderID)
	if err != nil {
		return nil, err
	}

	o, existing := m.withStoreFields(ctx, cancelled)
	if err := m.store.Save(ctx, o); err != nil {
		return o, fmt.Errorf("failed to record cancel of order %d: %w", orderID, err)
	}
	m.invalidate(ctx, o)

	from := ""
	if existing != nil {
		from = string(existing.Status)
	}
	m.bus.PublishOrderStatusChanged(o.OrderID, o.Symbol, from, string(o.Status), "")
	return o, nil
}

// Modify changes an open order, records it and invalidates the cache
func (m *Manager) Modify(ctx context.Context, orderID int64, req broker.ModifyRequest) (*orders.Order, error) {
	if m.reconciler != nil {
		m.reconciler.BeginWrite(orderID)
		defer m.reconciler.EndWrite(orderID)
	}

	updated, err := m.broker.Modify(ctx, orderID, req)
	if err != nil {
		return nil, err
	}

	o, _ := m.withStoreFields(ctx, updated)
	if err := m.store.Save(ctx, o); err != nil {
		return o, fmt.Errorf("failed to record modification of order %d: %w", orderID, err)
	}
	m.invalidate(ctx, o)

	m.bus.PublishOrderModified(o.OrderID, o.Symbol, modifyChanges(req))
	return o, nil
}

func modifyChanges(req broker.ModifyRequest) map[string]interface{} {
	changes := map[string]interface{}{}
	if req.Quantity != nil {
		changes["quantity"] = *req.Quantity
	}
	if req.LimitPrice != nil {
		changes["limit_price"] = *req.LimitPrice
	}
	if req.StopPrice != nil {
		changes["stop_price"] = *req.StopPrice
	}
	if req.TrailAmount != nil {
		changes["trail_amount"] = *req.TrailAmount
	}
	if req.TrailPercent != nil {
		changes["trail_percent"] = *req.TrailPercent
	}
	if req.TimeInForce != "" {
		changes["time_in_force"] = req.TimeInForce
	}
	return changes
}

// ============================================================================
// HEALTH
// ============================================================================

// StoreHealth reports store reachability
type StoreHealth struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// Health is the combined health report
type Health struct {
	Status  string        `json:"status"` // healthy, degraded, unhealthy
	Gateway broker.Health `json:"gateway"`
	Cache   *cache.Stats  `json:"cache,omitempty"`
	Store   StoreHealth   `json:"store"`
}

// Health reports connection and pool state, request counters, cache and store
func (m *Manager) Health(ctx context.Context) Health {
	h := Health{Gateway: m.broker.Health()}

	if err := m.store.Ping(ctx); err != nil {
		h.Store.Error = err.Error()
	} else {
		h.Store.Reachable = true
	}
	if m.cache != nil {
		stats := m.cache.Stats(ctx)
		h.Cache = &stats
	}

	switch {
	case h.Gateway.PoolHealthy && h.Store.Reachable:
		h.Status = "healthy"
	case h.Gateway.PoolHealthy || h.Store.Reachable:
		h.Status = "degraded"
	default:
		h.Status = "unhealthy"
	}
	return h
}
