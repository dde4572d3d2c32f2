package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading-gateway-core/config"
	"trading-gateway-core/internal/broker"
	"trading-gateway-core/internal/cache"
	"trading-gateway-core/internal/database"
	"trading-gateway-core/internal/gateway"
	"trading-gateway-core/internal/orders"
	"trading-gateway-core/internal/reconcile"
	"trading-gateway-core/internal/risk"

	"github.com/rs/zerolog"
)

// ============================================================================
// FAKE BROKER
// ============================================================================

// fakeBroker behaves like the adapter: it reserves ids, calls the persist hook
// before "transmitting" and acknowledges with a configurable status.
type fakeBroker struct {
	mu        sync.Mutex
	persist   broker.PersistFunc
	nextID    int64
	ackStatus orders.Status
	placeErr  error
	summary   *gateway.AccountSummary
	portErr   error
	live      []*orders.Order
	liveErr   error
	cancelErr error
	submits   int
	persisted []int64
	healthy   bool

	// afterPersist runs between the persist hook and the acknowledgement
	afterPersist func(ctx context.Context)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		nextID:    1000,
		ackStatus: orders.StatusSubmitted,
		summary:   &gateway.AccountSummary{Account: "DU123", NetLiquidation: 100000},
		healthy:   true,
	}
}

func (b *fakeBroker) SetPersistFunc(fn broker.PersistFunc) { b.persist = fn }

func (b *fakeBroker) prepare(o *orders.Order) *orders.Order {
	p := o.Clone()
	p.OrderID = b.nextID
	b.nextID++
	p.Status = orders.StatusPendingSubmit
	p.SubmittedAt = time.Now()
	p.Normalize()
	return p
}

func (b *fakeBroker) ack(o *orders.Order) error {
	if b.placeErr != nil {
		var gwErr *gateway.GatewayError
		if errors.As(b.placeErr, &gwErr) {
			o.Status = orders.StatusError
		}
		return b.placeErr
	}
	o.Status = b.ackStatus
	o.Normalize()
	return nil
}

func (b *fakeBroker) Submit(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	p := b.prepare(o)
	if err := b.persist(ctx, []*orders.Order{p}); err != nil {
		return nil, err
	}
	b.persisted = append(b.persisted, p.OrderID)
	if b.afterPersist != nil {
		b.afterPersist(ctx)
	}
	return p, b.ack(p)
}

func (b *fakeBroker) SubmitTrailingStop(ctx context.Context, req broker.TrailingStopRequest) (*orders.Order, error) {
	return b.Submit(ctx, req.Order())
}

func (b *fakeBroker) SubmitBracket(ctx context.Context, main, target, stop *orders.Order) (*orders.Bracket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	br := &orders.Bracket{OcaGroup: "BRACKET_fake", Main: b.prepare(main), ProfitTarget: b.prepare(target), StopLoss: b.prepare(stop)}
	for _, leg := range br.Legs() {
		leg.OcaGroup = br.OcaGroup
	}
	br.ProfitTarget.ParentID = orders.Int64(br.Main.OrderID)
	br.StopLoss.ParentID = orders.Int64(br.Main.OrderID)
	if err := b.persist(ctx, br.Legs()); err != nil {
		return nil, err
	}
	for _, leg := range br.Legs() {
		if err := b.ack(leg); err != nil {
			return br, err
		}
	}
	return br, nil
}

func (b *fakeBroker) Cancel(ctx context.Context, orderID int64) (*orders.Order, error) {
	if b.cancelErr != nil {
		return nil, b.cancelErr
	}
	for _, o := range b.live {
		if o.OrderID == orderID {
			c := o.Clone()
			c.Status = orders.StatusPendingCancel
			return c, nil
		}
	}
	return nil, broker.ErrOrderNotFound
}

func (b *fakeBroker) Modify(ctx context.Context, orderID int64, req broker.ModifyRequest) (*orders.Order, error) {
	for _, o := range b.live {
		if o.OrderID == orderID {
			c := o.Clone()
			if req.LimitPrice != nil {
				c.LimitPrice = orders.Float(*req.LimitPrice)
			}
			return c, nil
		}
	}
	return nil, broker.ErrOrderNotFound
}

func (b *fakeBroker) OpenOrders(ctx context.Context) ([]*orders.Order, error) {
	if b.liveErr != nil {
		return nil, b.liveErr
	}
	out := make([]*orders.Order, len(b.live))
	for i, o := range b.live {
		out[i] = o.Clone()
	}
	return out, nil
}

func (b *fakeBroker) Portfolio(ctx context.Context) (*gateway.AccountSummary, error) {
	if b.portErr != nil {
		return nil, b.portErr
	}
	return b.summary, nil
}

func (b *fakeBroker) Health() broker.Health {
	return broker.Health{PoolHealthy: b.healthy}
}

// ============================================================================
// HELPERS
// ============================================================================

type fixture struct {
	broker *fakeBroker
	store  *database.MemoryStore
	cache  *cache.OrderCache
	mgr    *Manager
}

func newFixture() *fixture {
	f := &fixture{
		broker: newFakeBroker(),
		store:  database.NewMemoryStore(),
		cache:  cache.NewOrderCache(config.CacheConfig{}, zerolog.Nop(), cache.NewMemoryTier()),
	}
	rec := reconcile.NewReconciler(f.store, f.cache, nil, zerolog.Nop())
	f.mgr = NewManager(f.broker, f.store, f.cache, risk.NewGate(risk.DefaultConfig()), rec, nil, zerolog.Nop())
	return f
}

func limitBuy(qty, price float64) *orders.Order {
	return &orders.Order{
		Symbol:     "AAPL",
		Action:     orders.ActionBuy,
		Quantity:   qty,
		OrderType:  orders.TypeLimit,
		LimitPrice: orders.Float(price),
	}
}

// ============================================================================
// SUBMISSION
// ============================================================================

func TestSubmit_PersistsThenRecordsAck(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.cache.PutOpenOrders(ctx, []*orders.Order{})

	placed, err := f.mgr.Submit(ctx, limitBuy(10, 100), 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if placed.OrderID != 1000 || placed.Status != orders.StatusSubmitted {
		t.Errorf("Expected order 1000 Submitted, got %d %s", placed.OrderID, placed.Status)
	}
	if len(f.broker.persisted) != 1 {
		t.Errorf("Expected the order to be persisted before transmit, got %v", f.broker.persisted)
	}

	stored, err := f.store.Get(ctx, 1000)
	if err != nil {
		t.Fatalf("Expected stored order, got %v", err)
	}
	if stored.Status != orders.StatusSubmitted {
		t.Errorf("Expected stored status Submitted, got %s", stored.Status)
	}
	if _, ok := f.cache.GetOpenOrders(ctx); ok {
		t.Error("Expected the open-order index to be invalidated")
	}
}

func TestSubmit_ConcurrentReconcileDoesNotResolveUnacknowledgedOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var passes []*reconcile.Result
	f.broker.afterPersist = func(ctx context.Context) {
		// The gateway has not seen the order yet, so its open list is empty
		result, err := f.mgr.reconciler.Reconcile(ctx, []*orders.Order{})
		if err != nil {
			t.Errorf("Reconcile failed: %v", err)
			return
		}
		passes = append(passes, result)
	}

	placed, err := f.mgr.Submit(ctx, limitBuy(10, 100), 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(passes) != 1 {
		t.Fatalf("Expected one reconcile pass during submission, got %d", len(passes))
	}
	if len(passes[0].Resolved) != 0 || passes[0].Deferred != 1 {
		t.Errorf("Expected the in-flight order to be deferred, got resolved=%+v deferred=%d", passes[0].Resolved, passes[0].Deferred)
	}

	stored, err := f.store.Get(ctx, placed.OrderID)
	if err != nil {
		t.Fatalf("Expected stored order, got %v", err)
	}
	if stored.Status != orders.StatusSubmitted || stored.Resolution != orders.ResolutionNone {
		t.Errorf("Expected Submitted with no resolution, got %s %q", stored.Status, stored.Resolution)
	}
}

func TestSubmit_SnapshotTakenBeforeSubmissionIsDeferred(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	mark := f.mgr.reconciler.Mark()
	placed, err := f.mgr.Submit(ctx, limitBuy(10, 100), 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result, err := f.mgr.reconciler.ReconcileSnapshot(ctx, []*orders.Order{}, mark)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(result.Resolved) != 0 {
		t.Errorf("Expected nothing resolved from a stale snapshot, got %+v", result.Resolved)
	}

	stored, _ := f.store.Get(ctx, placed.OrderID)
	if stored.Status != orders.StatusSubmitted {
		t.Errorf("Expected Submitted, got %s", stored.Status)
	}

	// A fresh snapshot that still lacks the order does resolve it
	result, err = f.mgr.reconciler.Reconcile(ctx, []*orders.Order{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(result.Resolved) != 1 || result.Resolved[0].Resolution != orders.ResolutionImplicitFill {
		t.Errorf("Expected an implicit fill from a fresh snapshot, got %+v", result.Resolved)
	}
}

func TestSubmit_ValidationBeforeAnything(t *testing.T) {
	f := newFixture()
	f.broker.portErr = errors.New("must not be called")

	o := limitBuy(10, 100)
	o.LimitPrice = nil

	_, err := f.mgr.Submit(context.Background(), o, 0)
	var vErr *orders.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if f.broker.submits != 0 {
		t.Errorf("Expected no broker calls, got %d", f.broker.submits)
	}
}

func TestSubmit_RiskRejectionIsHardStop(t *testing.T) {
	f := newFixture()

	// 200 * 100 = 20% of a 100,000 portfolio
	_, err := f.mgr.Submit(context.Background(), limitBuy(200, 100), 0)

	var rErr *RiskRejectedError
	if !errors.As(err, &rErr) {
		t.Fatalf("Expected RiskRejectedError, got %v", err)
	}
	if len(rErr.Result.Warnings) != 1 {
		t.Errorf("Expected 1 warning, got %v", rErr.Result.Warnings)
	}
	if f.broker.submits != 0 {
		t.Errorf("Expected nothing transmitted, got %d submits", f.broker.submits)
	}
	if f.store.Writes() != 0 {
		t.Errorf("Expected nothing persisted, got %d writes", f.store.Writes())
	}
}

func TestSubmit_MarketOrderUsesReferencePrice(t *testing.T) {
	f := newFixture()
	o := &orders.Order{Symbol: "AAPL", Action: orders.ActionBuy, Quantity: 10, OrderType: orders.TypeMarket}

	_, err := f.mgr.Submit(context.Background(), o.Clone(), 0)
	var rErr *RiskRejectedError
	if !errors.As(err, &rErr) {
		t.Fatalf("Expected a rejection without any price, got %v", err)
	}

	if _, err := f.mgr.Submit(context.Background(), o.Clone(), 150); err != nil {
		t.Errorf("Expected approval with a reference price, got %v", err)
	}
}

func TestSubmit_PortfolioCountsOnlyOpenPositions(t *testing.T) {
	f := newFixture()
	for i := 0; i < 10; i++ {
		qty := 1.0
		if i >= 5 {
			qty = 0
		}
		f.broker.summary.Positions = append(f.broker.summary.Positions, gateway.Position{Symbol: "SYM", Quantity: qty})
	}

	p, err := f.mgr.Portfolio(context.Background())
	if err != nil {
		t.Fatalf("Portfolio failed: %v", err)
	}
	if len(p.Positions) != 5 {
		t.Errorf("Expected 5 open positions, got %d", len(p.Positions))
	}
	if _, err := f.mgr.Submit(context.Background(), limitBuy(10, 100), 0); err != nil {
		t.Errorf("Expected approval under the position cap, got %v", err)
	}
}

func TestSubmit_PortfolioFailureFailsClosed(t *testing.T) {
	f := newFixture()
	f.broker.portErr = gateway.ErrNotConnected

	_, err := f.mgr.Submit(context.Background(), limitBuy(10, 100), 0)
	if !errors.Is(err, gateway.ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
	if f.broker.submits != 0 {
		t.Error("Expected nothing transmitted without a risk decision")
	}
}

func TestSubmit_GatewayRejectionRecordedAndSurfaced(t *testing.T) {
	f := newFixture()
	f.broker.placeErr = &gateway.GatewayError{Code: 201, Message: "Order rejected - insufficient margin"}

	placed, err := f.mgr.Submit(context.Background(), limitBuy(10, 100), 0)
	var gwErr *gateway.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != 201 {
		t.Fatalf("Expected gateway error 201, got %v", err)
	}
	if placed == nil || placed.Status != orders.StatusError {
		t.Fatalf("Expected the placed order in Error, got %+v", placed)
	}
	stored, _ := f.store.Get(context.Background(), placed.OrderID)
	if stored.Status != orders.StatusError {
		t.Errorf("Expected stored status Error, got %s", stored.Status)
	}
}

func TestSubmit_StoreFailureAbortsBeforeTransmit(t *testing.T) {
	f := newFixture()
	boom := errors.New("disk full")
	f.store.FailWith(boom)

	_, err := f.mgr.Submit(context.Background(), limitBuy(10, 100), 0)
	if !errors.Is(err, boom) {
		t.Fatalf("Expected the store error, got %v", err)
	}
	if len(f.broker.persisted) != 0 {
		t.Error("Expected the broker to stop after the persist hook failed")
	}
}

func TestSubmitBracket(t *testing.T) {
	f := newFixture()
	main := limitBuy(100, 50)
	target := limitBuy(100, 55)
	target.Action = orders.ActionSell
	stop := &orders.Order{Symbol: "AAPL", Action: orders.ActionSell, Quantity: 100, OrderType: orders.TypeStop, StopPrice: orders.Float(45)}

	b, err := f.mgr.SubmitBracket(context.Background(), main, target, stop, 0)
	if err != nil {
		t.Fatalf("SubmitBracket failed: %v", err)
	}
	if !b.IsComplete() {
		t.Fatal("Expected a complete bracket")
	}

	stored, err := f.store.BracketByGroup(context.Background(), b.OcaGroup)
	if err != nil {
		t.Fatalf("Expected the bracket in the store, got %v", err)
	}
	if stored.Status() != string(orders.StatusSubmitted) {
		t.Errorf("Expected bracket status Submitted, got %s", stored.Status())
	}

	// Bad relationship never reaches the broker
	badStop := stop.Clone()
	badStop.StopPrice = orders.Float(60)
	if _, err := f.mgr.SubmitBracket(context.Background(), main, target, badStop, 0); err == nil {
		t.Error("Expected a validation error for a stop above entry")
	}
	if f.broker.submits != 1 {
		t.Errorf("Expected 1 broker submission, got %d", f.broker.submits)
	}
}

func TestSubmitTrailingStop(t *testing.T) {
	f := newFixture()
	req := broker.TrailingStopRequest{
		Symbol:       "AAPL",
		Action:       orders.ActionSell,
		Quantity:     10,
		TrailPercent: orders.Float(2),
	}

	placed, err := f.mgr.SubmitTrailingStop(context.Background(), req, 180)
	if err != nil {
		t.Fatalf("SubmitTrailingStop failed: %v", err)
	}
	if placed.OrderType != orders.TypeTrail || placed.TimeInForce != orders.TIFGoodTill {
		t.Errorf("Expected a GTC TRAIL order, got %s %s", placed.OrderType, placed.TimeInForce)
	}

	req.TrailAmount = orders.Float(1)
	if _, err := f.mgr.SubmitTrailingStop(context.Background(), req, 180); err == nil {
		t.Error("Expected both trail modes to fail validation")
	}
}

// ============================================================================
// READS
// ============================================================================

func TestGetOpenOrders_Sources(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	live := limitBuy(10, 100)
	live.OrderID = 7
	live.Status = orders.StatusSubmitted
	live.Normalize()
	f.broker.live = []*orders.Order{live}

	// Cold cache: live query, reconciled into store and cache
	res, err := f.mgr.GetOpenOrders(ctx, orders.Filter{})
	if err != nil {
		t.Fatalf("GetOpenOrders failed: %v", err)
	}
	if res.Source != SourceLive || len(res.Orders) != 1 {
		t.Fatalf("Expected 1 live order, got %d from %s", len(res.Orders), res.Source)
	}
	if _, err := f.store.Get(ctx, 7); err != nil {
		t.Errorf("Expected the live order to be reconciled into the store, got %v", err)
	}

	// Warm cache
	res, _ = f.mgr.GetOpenOrders(ctx, orders.Filter{Symbol: "AAPL"})
	if res.Source != SourceCache || len(res.Orders) != 1 {
		t.Errorf("Expected 1 cached order, got %d from %s", len(res.Orders), res.Source)
	}
	res, _ = f.mgr.GetOpenOrders(ctx, orders.Filter{Symbol: "MSFT"})
	if len(res.Orders) != 0 {
		t.Errorf("Expected the filter to apply to cached results, got %d", len(res.Orders))
	}

	// Gateway down and cache cold: store
	_ = f.cache.InvalidateAll(ctx)
	f.broker.liveErr = gateway.ErrNotConnected
	res, err = f.mgr.GetOpenOrders(ctx, orders.Filter{})
	if err != nil {
		t.Fatalf("Expected store fallback, got %v", err)
	}
	if res.Source != SourceStore || len(res.Orders) != 1 {
		t.Errorf("Expected 1 stored order, got %d from %s", len(res.Orders), res.Source)
	}

	// Everything down
	f.store.FailWith(errors.New("db down"))
	if _, err := f.mgr.GetOpenOrders(ctx, orders.Filter{}); !errors.Is(err, gateway.ErrNotConnected) {
		t.Errorf("Expected a joined error including the gateway failure, got %v", err)
	}
}

func TestGetBrackets_CacheThenStore(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	main := limitBuy(10, 100)
	main.OrderID = 1
	main.OcaGroup = "BRACKET_a"
	main.Status = orders.StatusSubmitted
	stop := &orders.Order{OrderID: 2, Symbol: "AAPL", Action: orders.ActionSell, Quantity: 10, OrderType: orders.TypeStop,
		StopPrice: orders.Float(90), ParentID: orders.Int64(1), OcaGroup: "BRACKET_a", Status: orders.StatusSubmitted}
	_ = f.store.Save(ctx, main)
	_ = f.store.Save(ctx, stop)

	res, err := f.mgr.GetBrackets(ctx)
	if err != nil {
		t.Fatalf("GetBrackets failed: %v", err)
	}
	if res.Source != SourceStore || len(res.Brackets) != 1 {
		t.Fatalf("Expected 1 bracket from store, got %d from %s", len(res.Brackets), res.Source)
	}

	res, _ = f.mgr.GetBrackets(ctx)
	if res.Source != SourceCache {
		t.Errorf("Expected the second read from cache, got %s", res.Source)
	}
}

// ============================================================================
// CANCEL / MODIFY
// ============================================================================

func TestCancel_RecordsPendingCancelAndInvalidates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	stored := limitBuy(10, 100)
	stored.OrderID = 5
	stored.Status = orders.StatusSubmitted
	stored.StrategyID = orders.Int64(3)
	stored.Notes = "scalp"
	_ = f.store.Save(ctx, stored)
	_ = f.cache.PutOrder(ctx, stored)

	live := stored.Clone()
	live.StrategyID = nil
	live.Notes = ""
	f.broker.live = []*orders.Order{live}

	o, err := f.mgr.Cancel(ctx, 5)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if o.Status != orders.StatusPendingCancel {
		t.Errorf("Expected PendingCancel, got %s", o.Status)
	}

	got, _ := f.store.Get(ctx, 5)
	if got.Status != orders.StatusPendingCancel || got.StrategyID == nil || got.Notes != "scalp" {
		t.Errorf("Expected PendingCancel with store-only fields kept, got %+v", got)
	}
	if _, ok := f.cache.GetOrder(ctx, 5); ok {
		t.Error("Expected the cached order to be invalidated")
	}

	if _, err := f.mgr.Cancel(ctx, 99); !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestModify_RecordsAndInvalidates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	stored := limitBuy(10, 100)
	stored.OrderID = 5
	stored.Status = orders.StatusSubmitted
	_ = f.store.Save(ctx, stored)
	_ = f.cache.PutOrder(ctx, stored)
	f.broker.live = []*orders.Order{stored.Clone()}

	o, err := f.mgr.Modify(ctx, 5, broker.ModifyRequest{LimitPrice: orders.Float(101.5)})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if *o.LimitPrice != 101.5 {
		t.Errorf("Expected limit 101.5, got %v", *o.LimitPrice)
	}
	got, _ := f.store.Get(ctx, 5)
	if *got.LimitPrice != 101.5 {
		t.Errorf("Expected stored limit 101.5, got %v", *got.LimitPrice)
	}
	if _, ok := f.cache.GetOrder(ctx, 5); ok {
		t.Error("Expected the cached order to be invalidated")
	}
}

// ============================================================================
// HEALTH
// ============================================================================

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		poolOK   bool
		storeErr error
		expected string
	}{
		{"all up", true, nil, "healthy"},
		{"store down", true, errors.New("db down"), "degraded"},
		{"pool down", false, nil, "degraded"},
		{"all down", false, errors.New("db down"), "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.broker.healthy = tt.poolOK
			f.store.FailWith(tt.storeErr)

			h := f.mgr.Health(context.Background())
			if h.Status != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, h.Status)
			}
			if h.Cache == nil {
				t.Error("Expected cache stats")
			}
			if (tt.storeErr == nil) != h.Store.Reachable {
				t.Errorf("Expected store reachable=%v, got %v", tt.storeErr == nil, h.Store.Reachable)
			}
		})
	}
}
