package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading-gateway-core/config"
	"trading-gateway-core/internal/cache"
	"trading-gateway-core/internal/database"
	"trading-gateway-core/internal/events"
	"trading-gateway-core/internal/orders"

	"github.com/rs/zerolog"
)

// ============================================================================
// HELPERS
// ============================================================================

type fixture struct {
	store *database.MemoryStore
	cache *cache.OrderCache
	bus   *events.EventBus
	rec   *Reconciler
}

func newFixture() *fixture {
	f := &fixture{
		store: database.NewMemoryStore(),
		cache: cache.NewOrderCache(config.CacheConfig{}, zerolog.Nop(), cache.NewMemoryTier()),
		bus:   events.NewEventBus(),
	}
	f.rec = NewReconciler(f.store, f.cache, f.bus, zerolog.Nop())
	return f
}

func (f *fixture) seed(t *testing.T, list ...*orders.Order) {
	t.Helper()
	for _, o := range list {
		if err := f.store.Save(context.Background(), o); err != nil {
			t.Fatalf("Failed to seed order %d: %v", o.OrderID, err)
		}
	}
}

func (f *fixture) get(t *testing.T, id int64) *orders.Order {
	t.Helper()
	o, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load order %d: %v", id, err)
	}
	return o
}

func order(id int64, status orders.Status) *orders.Order {
	o := &orders.Order{
		OrderID:     id,
		Symbol:      "AAPL",
		Action:      orders.ActionBuy,
		Quantity:    100,
		OrderType:   orders.TypeLimit,
		LimitPrice:  orders.Float(50),
		TimeInForce: orders.TIFDay,
		Status:      status,
		AssetType:   orders.AssetStock,
	}
	o.Normalize()
	return o
}

// withStatus returns a copy as the gateway would report it
func withStatus(o *orders.Order, status orders.Status, filled float64) *orders.Order {
	c := o.Clone()
	c.Status = status
	c.FilledQuantity = filled
	c.StrategyID = nil
	c.Notes = ""
	c.SubmittedAt = time.Time{}
	c.Normalize()
	return c
}

// bracketLegs builds main LMT BUY 100 @ 50, target LMT SELL 100 @ 55 and
// stop STP SELL 100 @ 45, as persisted before transmission.
func bracketLegs() (main, target, stop *orders.Order) {
	label := "BRACKET_scenario"

	main = order(100, orders.StatusPendingSubmit)
	main.OcaGroup = label

	target = order(101, orders.StatusPendingSubmit)
	target.Action = orders.ActionSell
	target.LimitPrice = orders.Float(55)
	target.ParentID = orders.Int64(100)
	target.OcaGroup = label

	stop = order(102, orders.StatusPendingSubmit)
	stop.Action = orders.ActionSell
	stop.OrderType = orders.TypeStop
	stop.LimitPrice = nil
	stop.StopPrice = orders.Float(45)
	stop.ParentID = orders.Int64(100)
	stop.OcaGroup = label

	return main, target, stop
}

// ============================================================================
// TESTS
// ============================================================================

func TestReconcile_VanishedOrderIsImplicitlyFilled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.seed(t, order(1, orders.StatusSubmitted), order(2, orders.StatusSubmitted))

	filled := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventOrderFilled, func(e events.Event) { filled <- e })

	result, err := f.rec.Reconcile(ctx, []*orders.Order{order(1, orders.StatusSubmitted)})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(result.Resolved) != 1 || result.Resolved[0].OrderID != 2 {
		t.Fatalf("Expected order 2 to be resolved, got %+v", result.Resolved)
	}

	o := f.get(t, 2)
	if o.Status != orders.StatusFilled {
		t.Errorf("Expected Filled, got %s", o.Status)
	}
	if o.Resolution != orders.ResolutionImplicitFill {
		t.Errorf("Expected implicit_fill resolution, got %q", o.Resolution)
	}
	if o.FilledQuantity != 100 || o.RemainingQuantity != 0 {
		t.Errorf("Expected 100 filled and 0 remaining, got %v / %v", o.FilledQuantity, o.RemainingQuantity)
	}

	select {
	case e := <-filled:
		if e.Data["resolution"] != string(orders.ResolutionImplicitFill) {
			t.Errorf("Expected filled event to carry the resolution, got %v", e.Data["resolution"])
		}
	case <-time.After(time.Second):
		t.Error("Expected an order filled event")
	}

	if cached, ok := f.cache.GetOrder(ctx, 2); !ok || cached.Status != orders.StatusFilled {
		t.Errorf("Expected the cache to hold the resolved order, got %+v (hit=%v)", cached, ok)
	}
	open, ok := f.cache.GetOpenOrders(ctx)
	if !ok || len(open) != 1 || open[0].OrderID != 1 {
		t.Errorf("Expected the open index to hold only order 1, got %v (hit=%v)", open, ok)
	}
}

func TestReconcile_PendingCancelIsConfirmed(t *testing.T) {
	f := newFixture()
	f.seed(t, order(1, orders.StatusPendingCancel))

	if _, err := f.rec.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	o := f.get(t, 1)
	if o.Status != orders.StatusCancelled {
		t.Errorf("Expected Cancelled, got %s", o.Status)
	}
	if o.Resolution != orders.ResolutionCancelConfirmed {
		t.Errorf("Expected cancel_confirmed, got %q", o.Resolution)
	}
	if o.FilledQuantity != 0 || o.RemainingQuantity != 100 {
		t.Errorf("Expected nothing filled, got %v / %v", o.FilledQuantity, o.RemainingQuantity)
	}
}

func TestReconcile_IsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.seed(t, order(1, orders.StatusSubmitted), order(2, orders.StatusSubmitted), order(3, orders.StatusPendingCancel))

	partial := withStatus(order(1, orders.StatusSubmitted), orders.StatusPartiallyFilled, 40)
	partial.AvgFillPrice = 49.95
	snapshot := []*orders.Order{partial}

	if _, err := f.rec.Reconcile(ctx, snapshot); err != nil {
		t.Fatalf("First pass failed: %v", err)
	}
	first, _ := f.store.List(ctx, orders.Filter{})
	writes := f.store.Writes()

	result, err := f.rec.Reconcile(ctx, snapshot)
	if err != nil {
		t.Fatalf("Second pass failed: %v", err)
	}
	second, _ := f.store.List(ctx, orders.Filter{})

	if f.store.Writes() != writes {
		t.Errorf("Expected no store writes on replay, got %d more", f.store.Writes()-writes)
	}
	if result.Updated != 0 || result.Unchanged != 1 || len(result.Resolved) != 0 {
		t.Errorf("Expected an all-unchanged replay, got %+v", result)
	}
	if len(first) != len(second) {
		t.Fatalf("Expected %d orders, got %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].SameState(second[i]) {
			t.Errorf("Expected order %d unchanged\nfirst:  %+v\nsecond: %+v", first[i].OrderID, first[i], second[i])
		}
	}

	o := f.get(t, 1)
	if o.FilledQuantity+o.RemainingQuantity != o.Quantity {
		t.Errorf("Expected filled + remaining == quantity, got %v + %v", o.FilledQuantity, o.RemainingQuantity)
	}
}

func TestReconcile_MergePreservesStoreOnlyFields(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	stored := order(1, orders.StatusPendingSubmit)
	stored.StrategyID = orders.Int64(9)
	stored.Notes = "breakout"
	stored.OcaGroup = "BRACKET_keep"
	stored.SubmittedAt = time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC)
	f.seed(t, stored)

	live := withStatus(stored, orders.StatusSubmitted, 0)
	live.OcaGroup = ""

	if _, err := f.rec.Reconcile(ctx, []*orders.Order{live}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	o := f.get(t, 1)
	if o.Status != orders.StatusSubmitted {
		t.Errorf("Expected Submitted, got %s", o.Status)
	}
	if o.StrategyID == nil || *o.StrategyID != 9 {
		t.Errorf("Expected strategy 9 to be kept, got %v", o.StrategyID)
	}
	if o.Notes != "breakout" || o.OcaGroup != "BRACKET_keep" {
		t.Errorf("Expected notes and OCA label kept, got %q / %q", o.Notes, o.OcaGroup)
	}
	if !o.SubmittedAt.Equal(stored.SubmittedAt) {
		t.Errorf("Expected submitted time kept, got %v", o.SubmittedAt)
	}
}

func TestReconcile_NewLiveOrderIsStored(t *testing.T) {
	f := newFixture()

	live := order(77, orders.StatusSubmitted)
	live.TimeInForce = ""
	live.AssetType = ""

	result, err := f.rec.Reconcile(context.Background(), []*orders.Order{live})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Updated != 1 {
		t.Errorf("Expected 1 update, got %d", result.Updated)
	}

	o := f.get(t, 77)
	if o.TimeInForce != orders.TIFDay || o.AssetType != orders.AssetStock {
		t.Errorf("Expected defaults DAY / STOCK, got %s / %s", o.TimeInForce, o.AssetType)
	}
}

func TestReconcile_BracketScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	main, target, stop := bracketLegs()
	f.seed(t, main, target, stop)

	var path []string
	record := func(result *Result) {
		for _, c := range result.Brackets {
			if len(path) == 0 {
				path = append(path, c.From)
			}
			path = append(path, c.To)
		}
	}

	// Pass 1: the gateway accepted all three legs
	result, err := f.rec.Reconcile(ctx, []*orders.Order{
		withStatus(main, orders.StatusSubmitted, 0),
		withStatus(target, orders.StatusSubmitted, 0),
		withStatus(stop, orders.StatusSubmitted, 0),
	})
	if err != nil {
		t.Fatalf("Pass 1 failed: %v", err)
	}
	record(result)

	// Pass 2: the entry filled
	filledMain := withStatus(main, orders.StatusFilled, 100)
	filledMain.AvgFillPrice = 50
	result, err = f.rec.Reconcile(ctx, []*orders.Order{
		filledMain,
		withStatus(target, orders.StatusSubmitted, 0),
		withStatus(stop, orders.StatusSubmitted, 0),
	})
	if err != nil {
		t.Fatalf("Pass 2 failed: %v", err)
	}
	record(result)

	// Pass 3: the target filled and the gateway dropped the stop
	filledTarget := withStatus(target, orders.StatusFilled, 100)
	filledTarget.AvgFillPrice = 55
	result, err = f.rec.Reconcile(ctx, []*orders.Order{filledTarget})
	if err != nil {
		t.Fatalf("Pass 3 failed: %v", err)
	}
	record(result)

	expected := []string{
		string(orders.StatusPendingSubmit),
		string(orders.StatusSubmitted),
		orders.BracketManagingPosition,
		orders.BracketClosed,
	}
	if len(path) != len(expected) {
		t.Fatalf("Expected status path %v, got %v", expected, path)
	}
	for i := range expected {
		if path[i] != expected[i] {
			t.Errorf("Expected step %d to be %q, got %q", i, expected[i], path[i])
		}
	}

	s := f.get(t, 102)
	if s.Status != orders.StatusCancelled {
		t.Errorf("Expected stop leg Cancelled, got %s", s.Status)
	}
	if s.Resolution != orders.ResolutionOCASibling {
		t.Errorf("Expected stop leg resolved by its OCA sibling, got %q", s.Resolution)
	}
	if tg := f.get(t, 101); tg.Resolution != orders.ResolutionNone {
		t.Errorf("Expected the reported fill to carry no resolution, got %q", tg.Resolution)
	}

	b, ok := f.cache.GetBracket(ctx, main.OcaGroup)
	if !ok || b.Status() != orders.BracketClosed {
		t.Errorf("Expected the cached bracket to be closed, got %+v (hit=%v)", b, ok)
	}
}

func TestReconcile_BothExitLegsVanishFillOnlyOne(t *testing.T) {
	f := newFixture()
	main, target, stop := bracketLegs()
	main.Status = orders.StatusFilled
	main.FilledQuantity = 100
	main.Normalize()
	target.Status = orders.StatusSubmitted
	stop.Status = orders.StatusSubmitted
	f.seed(t, main, target, stop)

	if _, err := f.rec.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if o := f.get(t, 101); o.Status != orders.StatusFilled || o.Resolution != orders.ResolutionImplicitFill {
		t.Errorf("Expected target implicit fill, got %s / %q", o.Status, o.Resolution)
	}
	if o := f.get(t, 102); o.Status != orders.StatusCancelled || o.Resolution != orders.ResolutionOCASibling {
		t.Errorf("Expected stop cancelled by its sibling, got %s / %q", o.Status, o.Resolution)
	}
}

func TestReconcile_InFlightOrderIsDeferred(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seed(t, order(1000, orders.StatusPendingSubmit))

	f.rec.BeginWrite(1000)
	result, err := f.rec.Reconcile(ctx, []*orders.Order{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(result.Resolved) != 0 || result.Deferred != 1 {
		t.Errorf("Expected the in-flight order to be deferred, got resolved=%+v deferred=%d", result.Resolved, result.Deferred)
	}
	if o := f.get(t, 1000); o.Status != orders.StatusPendingSubmit {
		t.Errorf("Expected PendingSubmit, got %s", o.Status)
	}

	f.rec.EndWrite(1000)
	result, err = f.rec.Reconcile(ctx, []*orders.Order{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(result.Resolved) != 1 {
		t.Errorf("Expected the order to be resolved once released, got %+v", result.Resolved)
	}
}

func TestReconcile_StaleLiveRowDoesNotOverwriteLocalCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	submitted := order(1, orders.StatusSubmitted)
	f.seed(t, submitted)

	// Snapshot fetched, then a cancel is recorded before the pass runs
	mark := f.rec.Mark()
	live := []*orders.Order{withStatus(submitted, orders.StatusSubmitted, 0)}
	f.rec.BeginWrite(1)
	f.seed(t, order(1, orders.StatusPendingCancel))
	f.rec.EndWrite(1)

	result, err := f.rec.ReconcileSnapshot(ctx, live, mark)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Deferred != 1 || result.Updated != 0 {
		t.Errorf("Expected 1 deferred and 0 updated, got %d / %d", result.Deferred, result.Updated)
	}
	if o := f.get(t, 1); o.Status != orders.StatusPendingCancel {
		t.Errorf("Expected PendingCancel to survive the stale snapshot, got %s", o.Status)
	}

	// The next pass sees the cancel go through
	result, err = f.rec.Reconcile(ctx, []*orders.Order{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(result.Resolved) != 1 || result.Resolved[0].Resolution != orders.ResolutionCancelConfirmed {
		t.Errorf("Expected cancel_confirmed, got %+v", result.Resolved)
	}
}

func TestReconcile_StoreFailureAborts(t *testing.T) {
	f := newFixture()
	boom := errors.New("connection refused")
	f.store.FailWith(boom)

	_, err := f.rec.Reconcile(context.Background(), []*orders.Order{order(1, orders.StatusSubmitted)})
	if !errors.Is(err, boom) {
		t.Errorf("Expected the store error, got %v", err)
	}
}

// ============================================================================
// POLLER
// ============================================================================

type fakeSource struct {
	mu    sync.Mutex
	live  []*orders.Order
	err   error
	calls int
}

func (s *fakeSource) OpenOrders(ctx context.Context) ([]*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*orders.Order, len(s.live))
	for i, o := range s.live {
		out[i] = o.Clone()
	}
	return out, nil
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPoller_RunsUntilStopped(t *testing.T) {
	f := newFixture()
	f.seed(t, order(1, orders.StatusSubmitted))
	source := &fakeSource{live: []*orders.Order{order(1, orders.StatusSubmitted)}}

	p := NewPoller(f.rec, source, 5*time.Millisecond, zerolog.Nop())
	p.Start(context.Background())
	p.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for source.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if source.Calls() < 3 {
		t.Fatalf("Expected at least 3 passes, got %d", source.Calls())
	}
	calls := source.Calls()
	time.Sleep(20 * time.Millisecond)
	if source.Calls() != calls {
		t.Error("Expected no passes after Stop")
	}

	s := p.Status()
	if s.Running || s.LastResult == nil || s.LastError != "" {
		t.Errorf("Expected a stopped poller with a clean last result, got %+v", s)
	}
}

func TestPoller_RunOnceReportsSourceError(t *testing.T) {
	f := newFixture()
	f.seed(t, order(1, orders.StatusSubmitted))
	source := &fakeSource{err: errors.New("not connected")}

	p := NewPoller(f.rec, source, time.Minute, zerolog.Nop())
	if _, err := p.RunOnce(context.Background()); err == nil {
		t.Fatal("Expected the source error")
	}

	// A failed live query must not be read as "everything vanished"
	if o := f.get(t, 1); o.Status != orders.StatusSubmitted {
		t.Errorf("Expected order untouched, got %s", o.Status)
	}
	if p.Status().LastError == "" {
		t.Error("Expected the error to be recorded")
	}
}
