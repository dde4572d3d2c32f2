// Package broker translates order and bracket requests into gateway calls
// over pooled connections and reports live order state back.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-gateway-core/internal/gateway"
	"trading-gateway-core/internal/orders"
)

var (
	// ErrOrderNotFound means the order id is not among the gateway's open orders
	ErrOrderNotFound = errors.New("order not found among open orders")
	// ErrOrderNotOpen means the order exists but can no longer be changed
	ErrOrderNotOpen = errors.New("order is no longer open")
)

// BracketLabelPrefix prefixes the OCA label of every bracket this adapter places
const BracketLabelPrefix = "BRACKET_"

// withdrawTimeout bounds the cancels sent for staged legs of a failed bracket
const withdrawTimeout = 5 * time.Second

// ConnectionSource lends gateway connections. *gateway.Pool satisfies it.
type ConnectionSource interface {
	Checkout(ctx context.Context) (*gateway.Lease, error)
	Status() gateway.PoolStatus
	HealthCheck() error
}

// PersistFunc records prepared orders (status PendingSubmit) before anything is
// transmitted. A failure aborts the submission.
type PersistFunc func(ctx context.Context, prepared []*orders.Order) error

// TrailingStopRequest describes a standalone trailing stop. Exactly one of
// TrailAmount and TrailPercent must be set; LimitOffset turns it into a
// trailing stop-limit.
type TrailingStopRequest struct {
	Symbol       string   `json:"symbol"`
	Action       string   `json:"action"`
	Quantity     float64  `json:"quantity"`
	TrailAmount  *float64 `json:"trail_amount,omitempty"`
	TrailPercent *float64 `json:"trail_percent,omitempty"`
	InitialStop  *float64 `json:"initial_stop,omitempty"`
	LimitPrice   *float64 `json:"limit_price,omitempty"`
	TimeInForce  string   `json:"time_in_force,omitempty"`
	ParentID     *int64   `json:"parent_id,omitempty"`
	OcaGroup     string   `json:"oca_group,omitempty"`
	StrategyID   *int64   `json:"strategy_id,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// Order builds the gateway order for the request
func (r TrailingStopRequest) Order() *orders.Order {
	o := &orders.Order{
		Symbol:       r.Symbol,
		Action:       r.Action,
		Quantity:     r.Quantity,
		OrderType:    orders.TypeTrail,
		TrailAmount:  r.TrailAmount,
		TrailPercent: r.TrailPercent,
		StopPrice:    r.InitialStop,
		TimeInForce:  r.TimeInForce,
		ParentID:     r.ParentID,
		OcaGroup:     r.OcaGroup,
		AssetType:    orders.AssetStock,
		StrategyID:   r.StrategyID,
		Notes:        r.Notes,
	}
	if r.LimitPrice != nil {
		o.OrderType = orders.TypeTrailLimit
		o.LimitPrice = r.LimitPrice
	}
	if o.TimeInForce == "" {
		o.TimeInForce = orders.TIFGoodTill
	}
	return o
}

// ModifyRequest carries the fields to change on an open order. Nil fields are
// left as they are.
type ModifyRequest struct {
	Quantity     *float64 `json:"quantity,omitempty"`
	LimitPrice   *float64 `json:"limit_price,omitempty"`
	StopPrice    *float64 `json:"stop_price,omitempty"`
	TrailAmount  *float64 `json:"trail_amount,omitempty"`
	TrailPercent *float64 `json:"trail_percent,omitempty"`
	TimeInForce  string   `json:"time_in_force,omitempty"`
}

// IsEmpty reports whether the request changes nothing
func (r ModifyRequest) IsEmpty() bool {
	return r.Quantity == nil && r.LimitPrice == nil && r.StopPrice == nil &&
		r.TrailAmount == nil && r.TrailPercent == nil && r.TimeInForce == ""
}

// Health is the adapter's view of gateway connectivity
type Health struct {
	Pool        gateway.PoolStatus    `json:"pool"`
	PoolHealthy bool                  `json:"pool_healthy"`
	PoolError   string                `json:"pool_error,omitempty"`
	Requests    gateway.StatsSnapshot `json:"requests"`
}

// Adapter is the Order Gateway Adapter. Every gateway call it makes is counted
// for health reporting. Failed calls are never resent: a transport failure
// marks the connection broken and the pool reconnects it on release.
type Adapter struct {
	pool    ConnectionSource
	persist PersistFunc
	stats   gateway.RequestStats
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAdapter creates an adapter over a connection source
func NewAdapter(pool ConnectionSource, logger zerolog.Logger) *Adapter {
	return &Adapter{
		pool:   pool,
		logger: logger.With().Str("component", "OrderGatewayAdapter").Logger(),
		now:    time.Now,
	}
}

// SetPersistFunc installs the hook that records prepared orders before transmit
func (a *Adapter) SetPersistFunc(fn PersistFunc) {
	a.persist = fn
}

// Stats returns gateway call counters
func (a *Adapter) Stats() gateway.StatsSnapshot {
	return a.stats.Snapshot()
}

func (a *Adapter) record(err error) error {
	a.stats.Record(err)
	return err
}

func (a *Adapter) prepare(o *orders.Order, id int64) *orders.Order {
	p := o.Clone()
	p.OrderID = id
	p.Status = orders.StatusPendingSubmit
	p.Resolution = orders.ResolutionNone
	if p.AssetType == "" {
		p.AssetType = orders.AssetStock
	}
	if p.TimeInForce == "" {
		p.TimeInForce = orders.TIFDay
	}
	now := a.now()
	p.SubmittedAt = now
	p.UpdatedAt = now
	p.Normalize()
	return p
}

func (a *Adapter) persistPrepared(ctx context.Context, prepared ...*orders.Order) error {
	if a.persist == nil {
		return nil
	}
	if err := a.persist(ctx, prepared); err != nil {
		return fmt.Errorf("failed to persist order %d before transmit: %w", prepared[0].OrderID, err)
	}
	return nil
}

// applyAck records the gateway's answer to a placement on the local order
func (a *Adapter) applyAck(o *orders.Order, status orders.Status, err error) {
	o.UpdatedAt = a.now()
	if err == nil {
		o.Status = status
		o.Normalize()
		return
	}
	// A rejection is final. A transport failure leaves the order PendingSubmit:
	// it may or may not have reached the gateway.
	var gwErr *gateway.GatewayError
	if errors.As(err, &gwErr) && !gateway.IsTransportError(err) {
		o.Status = orders.StatusError
		o.Normalize()
	}
}

// Submit validates and transmits a single order. The returned order carries the
// gateway-assigned id and acknowledged status even when an error is returned
// after the persist hook ran.
func (a *Adapter) Submit(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	if err := orders.Validate(o); err != nil {
		return nil, err
	}

	lease, err := a.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	id, err := lease.NextOrderID(ctx)
	if a.record(err) != nil {
		return nil, fmt.Errorf("failed to reserve order id: %w", err)
	}

	prepared := a.prepare(o, id)
	if err := a.persistPrepared(ctx, prepared); err != nil {
		return nil, err
	}

	log := a.logger.With().
		Int64("order_id", prepared.OrderID).
		Str("symbol", prepared.Symbol).
		Str("action", prepared.Action).
		Str("type", prepared.OrderType).
		Logger()

	status, err := lease.PlaceOrder(ctx, prepared, true)
	a.applyAck(prepared, status, a.record(err))
	if err != nil {
		log.Error().Err(err).Msg("Order placement failed")
		return prepared, fmt.Errorf("failed to place order %d: %w", prepared.OrderID, err)
	}

	log.Info().Str("status", string(prepared.Status)).Msg("Order placed")
	return prepared, nil
}

// SubmitTrailingStop places a standalone trailing stop
func (a *Adapter) SubmitTrailingStop(ctx context.Context, req TrailingStopRequest) (*orders.Order, error) {
	return a.Submit(ctx, req.Order())
}

// SubmitBracket places an entry with its profit target and stop loss. The legs
// get ids parent, parent+1, parent+2 and share a BRACKET_<uuid> OCA label. The
// parent and target are staged without transmitting; the stop carries transmit
// so the gateway releases all three together.
func (a *Adapter) SubmitBracket(ctx context.Context, main, target, stop *orders.Order) (*orders.Bracket, error) {
	if err := orders.ValidateBracket(main, target, stop); err != nil {
		return nil, err
	}

	lease, err := a.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	parentID, err := lease.NextOrderID(ctx)
	if a.record(err) != nil {
		return nil, fmt.Errorf("failed to reserve bracket order id: %w", err)
	}

	label := BracketLabelPrefix + uuid.NewString()
	b := &orders.Bracket{
		OcaGroup:     label,
		Main:         a.prepare(main, parentID),
		ProfitTarget: a.prepare(target, parentID+1),
		StopLoss:     a.prepare(stop, parentID+2),
	}
	for _, leg := range b.Legs() {
		leg.OcaGroup = label
	}
	b.ProfitTarget.ParentID = orders.Int64(parentID)
	b.StopLoss.ParentID = orders.Int64(parentID)

	if err := a.persistPrepared(ctx, b.Legs()...); err != nil {
		return nil, err
	}

	log := a.logger.With().
		Str("oca_group", label).
		Int64("parent_id", parentID).
		Str("symbol", b.Main.Symbol).
		Logger()

	// The parent is linked to its children by parent id, not by OCA
	entry := b.Main.Clone()
	entry.OcaGroup = ""

	steps := []struct {
		wire     *orders.Order
		local    *orders.Order
		transmit bool
	}{
		{entry, b.Main, false},
		{b.ProfitTarget, b.ProfitTarget, false},
		{b.StopLoss, b.StopLoss, true},
	}

	for i, step := range steps {
		status, err := lease.PlaceOrder(ctx, step.wire, step.transmit)
		a.applyAck(step.local, status, a.record(err))
		if err != nil {
			// Legs after the failure were never sent
			for _, rest := range steps[i+1:] {
				rest.local.Status = orders.StatusInactive
				rest.local.Normalize()
			}
			log.Error().Err(err).Int64("order_id", step.local.OrderID).Msg("Bracket leg placement failed")

			staged := make([]*orders.Order, 0, i)
			for _, done := range steps[:i] {
				staged = append(staged, done.local)
			}
			a.withdrawStaged(ctx, lease, staged, log)
			return b, fmt.Errorf("failed to place bracket leg %d: %w", step.local.OrderID, err)
		}
	}

	log.Info().Msg("Bracket placed")
	return b, nil
}

// withdrawStaged cancels bracket legs that were staged without transmit before
// a later leg failed. They would otherwise sit at the gateway indefinitely.
// A leg whose cancel fails is still recorded as Inactive locally; if the
// gateway keeps listing it, reconciliation restores its live state.
func (a *Adapter) withdrawStaged(ctx context.Context, conn gateway.Connection, staged []*orders.Order, log zerolog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), withdrawTimeout)
	defer cancel()

	for _, leg := range staged {
		err := a.record(conn.CancelOrder(cleanupCtx, leg.OrderID))
		leg.Resolution = orders.ResolutionBracketAborted
		leg.UpdatedAt = a.now()
		if err != nil {
			log.Error().Err(err).Int64("order_id", leg.OrderID).Msg("Failed to withdraw staged bracket leg")
			leg.Status = orders.StatusInactive
		} else {
			leg.Status = orders.StatusCancelled
		}
		leg.Normalize()
	}
}

// findOpen locates an order among the live open orders
func (a *Adapter) findOpen(ctx context.Context, conn gateway.Connection, orderID int64) (*orders.Order, error) {
	open, err := conn.OpenOrders(ctx)
	if a.record(err) != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	for _, o := range open {
		if o.OrderID != orderID {
			continue
		}
		if !o.Status.IsOpen() {
			return o, fmt.Errorf("order %d is %s: %w", orderID, o.Status, ErrOrderNotOpen)
		}
		return o, nil
	}
	return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
}

// Cancel requests cancellation of an open order. It returns the live order
// marked PendingCancel; the reconciler records the final state.
func (a *Adapter) Cancel(ctx context.Context, orderID int64) (*orders.Order, error) {
	lease, err := a.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	live, err := a.findOpen(ctx, lease.Connection, orderID)
	if err != nil {
		return nil, err
	}

	if err := a.record(lease.CancelOrder(ctx, orderID)); err != nil {
		return nil, fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}

	cancelled := live.Clone()
	cancelled.Status = orders.StatusPendingCancel
	cancelled.UpdatedAt = a.now()
	cancelled.Normalize()

	a.logger.Info().Int64("order_id", orderID).Str("symbol", live.Symbol).Msg("Order cancel requested")
	return cancelled, nil
}

// Modify changes price, quantity or time in force of an open order by placing
// it again under the same id.
func (a *Adapter) Modify(ctx context.Context, orderID int64, req ModifyRequest) (*orders.Order, error) {
	if req.IsEmpty() {
		return nil, &orders.ValidationError{Violations: []string{"modification changes no fields"}}
	}

	lease, err := a.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	live, err := a.findOpen(ctx, lease.Connection, orderID)
	if err != nil {
		return nil, err
	}

	updated := live.Clone()
	if req.Quantity != nil {
		updated.Quantity = *req.Quantity
	}
	if req.LimitPrice != nil {
		updated.LimitPrice = orders.Float(*req.LimitPrice)
	}
	if req.StopPrice != nil {
		updated.StopPrice = orders.Float(*req.StopPrice)
	}
	if req.TrailAmount != nil {
		updated.TrailAmount = orders.Float(*req.TrailAmount)
		updated.TrailPercent = nil
	}
	if req.TrailPercent != nil {
		updated.TrailPercent = orders.Float(*req.TrailPercent)
		updated.TrailAmount = nil
	}
	if req.TimeInForce != "" {
		updated.TimeInForce = req.TimeInForce
	}

	if err := orders.Validate(updated); err != nil {
		return nil, err
	}
	if updated.Quantity < live.FilledQuantity {
		return nil, &orders.ValidationError{Violations: []string{
			fmt.Sprintf("quantity %.0f is below filled quantity %.0f", updated.Quantity, live.FilledQuantity),
		}}
	}

	status, err := lease.PlaceOrder(ctx, updated, true)
	if a.record(err) != nil {
		return nil, fmt.Errorf("failed to modify order %d: %w", orderID, err)
	}
	updated.Status = status
	updated.UpdatedAt = a.now()
	updated.Normalize()

	a.logger.Info().Int64("order_id", orderID).Str("symbol", updated.Symbol).Msg("Order modified")
	return updated, nil
}

// OpenOrders returns the gateway's open-order list. This is the reconciler's
// ground truth.
func (a *Adapter) OpenOrders(ctx context.Context) ([]*orders.Order, error) {
	lease, err := a.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	open, err := lease.OpenOrders(ctx)
	if a.record(err) != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	return open, nil
}

// Portfolio returns the account summary used by the risk gate
func (a *Adapter) Portfolio(ctx context.Context) (*gateway.AccountSummary, error) {
	lease, err := a.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	summary, err := lease.AccountSummary(ctx)
	if a.record(err) != nil {
		return nil, fmt.Errorf("failed to query account summary: %w", err)
	}
	return summary, nil
}

// Health reports pool state and request counters
func (a *Adapter) Health() Health {
	h := Health{
		Pool:        a.pool.Status(),
		PoolHealthy: true,
		Requests:    a.stats.Snapshot(),
	}
	if err := a.pool.HealthCheck(); err != nil {
		h.PoolHealthy = false
		h.PoolError = err.Error()
	}
	return h
}
