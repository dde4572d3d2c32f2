package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading-gateway-core/config"
	"trading-gateway-core/internal/orders"

	"github.com/rs/zerolog"
)

// ============================================================================
// FAKES
// ============================================================================

// fakeTier wraps a MemoryTier and can be switched unhealthy or made to fail.
type fakeTier struct {
	*MemoryTier
	name    string
	mu      sync.Mutex
	healthy bool
	setErr  error
	getErr  error
	delErr  error
	sets    int
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{MemoryTier: NewMemoryTier(), name: name, healthy: true}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) IsHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeTier) Get(ctx context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.MemoryTier.Get(ctx, key)
}

func (f *fakeTier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	f.sets++
	f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	return f.MemoryTier.Set(ctx, key, value, ttl)
}

func (f *fakeTier) Delete(ctx context.Context, keys ...string) error {
	if f.delErr != nil {
		return f.delErr
	}
	return f.MemoryTier.Delete(ctx, keys...)
}

func (f *fakeTier) DeletePattern(ctx context.Context, pattern string) error {
	if f.delErr != nil {
		return f.delErr
	}
	return f.MemoryTier.DeletePattern(ctx, pattern)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(tiers ...Tier) (*OrderCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)}
	c := NewOrderCache(config.CacheConfig{}, zerolog.Nop(), tiers...)
	c.now = clock.Now
	return c, clock
}

func sampleOrder(id int64) *orders.Order {
	return &orders.Order{
		OrderID:     id,
		Symbol:      "AAPL",
		Action:      orders.ActionBuy,
		Quantity:    100,
		OrderType:   orders.TypeLimit,
		LimitPrice:  orders.Float(187.25),
		TimeInForce: orders.TIFDay,
		Status:      orders.StatusSubmitted,
		AssetType:   orders.AssetStock,
		OcaGroup:    "BRACKET_x",
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestOrderCache_RoundTrip(t *testing.T) {
	c, _ := newTestCache(NewMemoryTier())
	ctx := context.Background()

	o := sampleOrder(42)
	if err := c.PutOrder(ctx, o); err != nil {
		t.Fatalf("PutOrder failed: %v", err)
	}

	got, ok := c.GetOrder(ctx, 42)
	if !ok {
		t.Fatal("Expected a cache hit")
	}
	if !got.SameState(o) {
		t.Errorf("Expected cached order to match\nput: %+v\ngot: %+v", o, got)
	}
	if _, ok := c.GetOrder(ctx, 43); ok {
		t.Error("Expected a miss for an unknown order")
	}

	s := c.Stats(ctx)
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %d / %d", s.Hits, s.Misses)
	}
}

func TestOrderCache_NeverServesPastTTL(t *testing.T) {
	c, clock := newTestCache(NewMemoryTier())
	ctx := context.Background()

	_ = c.PutOrder(ctx, sampleOrder(1))
	b := &orders.Bracket{OcaGroup: "BRACKET_x", Main: sampleOrder(1)}
	_ = c.PutBracket(ctx, b)

	clock.Advance(29 * time.Second)
	if _, ok := c.GetOrder(ctx, 1); !ok {
		t.Error("Expected order to be fresh at 29s")
	}

	clock.Advance(1 * time.Second)
	if _, ok := c.GetOrder(ctx, 1); ok {
		t.Error("Expected order to be stale at its 30s TTL")
	}
	if _, ok := c.GetBracket(ctx, "BRACKET_x"); !ok {
		t.Error("Expected bracket to still be fresh at 30s")
	}

	clock.Advance(30 * time.Second)
	if _, ok := c.GetBracket(ctx, "BRACKET_x"); ok {
		t.Error("Expected bracket to be stale at its 60s TTL")
	}
}

func TestOrderCache_FallsBackWhenSharedTierDown(t *testing.T) {
	shared := newFakeTier("redis")
	local := NewMemoryTier()
	c, _ := newTestCache(shared, local)
	ctx := context.Background()

	shared.healthy = false
	if err := c.PutOrder(ctx, sampleOrder(7)); err != nil {
		t.Fatalf("Expected write to succeed on the local tier, got %v", err)
	}
	if shared.sets != 0 {
		t.Errorf("Expected no writes to an unhealthy tier, got %d", shared.sets)
	}
	if _, ok := c.GetOrder(ctx, 7); !ok {
		t.Error("Expected a hit from the local tier")
	}

	shared.healthy = true
	shared.getErr = errors.New("connection reset")
	if _, ok := c.GetOrder(ctx, 7); !ok {
		t.Error("Expected read errors on the shared tier to fall through to the local tier")
	}
}

func TestOrderCache_NewestEntryWinsAfterSharedTierRecovers(t *testing.T) {
	shared := newFakeTier("redis")
	local := NewMemoryTier()
	c, clock := newTestCache(shared, local)
	ctx := context.Background()

	if err := c.PutOrder(ctx, sampleOrder(7)); err != nil {
		t.Fatalf("Expected write to succeed, got %v", err)
	}

	// Redis goes down; the fill is only written locally
	clock.Advance(5 * time.Second)
	shared.healthy = false
	filled := sampleOrder(7)
	filled.Status = orders.StatusFilled
	if err := c.PutOrder(ctx, filled); err != nil {
		t.Fatalf("Expected write to succeed on the local tier, got %v", err)
	}

	// Redis is back with its older copy still inside the TTL
	clock.Advance(time.Second)
	shared.healthy = true

	got, ok := c.GetOrder(ctx, 7)
	if !ok {
		t.Fatal("Expected a hit")
	}
	if got.Status != orders.StatusFilled {
		t.Errorf("Expected the newer local entry (Filled), got %s", got.Status)
	}
}

func TestOrderCache_WriteFailsOnlyWhenNoTierAccepts(t *testing.T) {
	shared := newFakeTier("redis")
	shared.setErr = errors.New("READONLY")
	c, _ := newTestCache(shared)

	err := c.PutOrder(context.Background(), sampleOrder(1))
	if err == nil {
		t.Fatal("Expected an error when no tier accepted the write")
	}

	c, _ = newTestCache(shared, NewMemoryTier())
	if err := c.PutOrder(context.Background(), sampleOrder(1)); err != nil {
		t.Errorf("Expected success when one tier accepted the write, got %v", err)
	}
}

func TestOrderCache_SkipsNilSharedTier(t *testing.T) {
	var disabled *CacheService
	c, _ := newTestCache(disabled, NewMemoryTier())

	if len(c.tiers) != 1 {
		t.Fatalf("Expected only the memory tier, got %d tiers", len(c.tiers))
	}
	if err := c.PutOpenOrders(context.Background(), nil); err != nil {
		t.Errorf("Expected write to succeed, got %v", err)
	}
	list, ok := c.GetOpenOrders(context.Background())
	if !ok || len(list) != 0 {
		t.Errorf("Expected an empty cached index, got %v (hit=%v)", list, ok)
	}
}

func TestOrderCache_InvalidateOrder(t *testing.T) {
	c, _ := newTestCache(NewMemoryTier())
	ctx := context.Background()

	o := sampleOrder(5)
	_ = c.PutOrder(ctx, o)
	_ = c.PutOpenOrders(ctx, []*orders.Order{o})
	_ = c.PutBracket(ctx, &orders.Bracket{OcaGroup: o.OcaGroup, Main: o})
	_ = c.PutBrackets(ctx, []*orders.Bracket{{OcaGroup: o.OcaGroup, Main: o}})
	_ = c.PutOrder(ctx, sampleOrder(6))

	if err := c.InvalidateOrder(ctx, 5, o.OcaGroup); err != nil {
		t.Fatalf("InvalidateOrder failed: %v", err)
	}

	if _, ok := c.GetOrder(ctx, 5); ok {
		t.Error("Expected order 5 to be gone")
	}
	if _, ok := c.GetOpenOrders(ctx); ok {
		t.Error("Expected the open-order index to be gone")
	}
	if _, ok := c.GetBracket(ctx, o.OcaGroup); ok {
		t.Error("Expected the bracket group to be gone")
	}
	if _, ok := c.GetBrackets(ctx); ok {
		t.Error("Expected the bracket index to be gone")
	}
	if _, ok := c.GetOrder(ctx, 6); !ok {
		t.Error("Expected unrelated order 6 to remain")
	}
}

func TestOrderCache_InvalidateAllJoinsTierErrors(t *testing.T) {
	broken := newFakeTier("redis")
	local := NewMemoryTier()
	c, _ := newTestCache(broken, local)
	ctx := context.Background()

	_ = c.PutOrder(ctx, sampleOrder(1))
	_ = c.PutBracket(ctx, &orders.Bracket{OcaGroup: "BRACKET_x"})
	broken.delErr = errors.New("timeout")

	err := c.InvalidateAll(ctx)
	if err == nil {
		t.Fatal("Expected the broken tier's errors to be reported")
	}
	if !errors.Is(err, broken.delErr) {
		t.Errorf("Expected joined error to wrap the tier failure, got %v", err)
	}

	if n, _ := local.Count(ctx, "order:*"); n != 0 {
		t.Errorf("Expected the healthy tier to be cleared anyway, got %d orders", n)
	}
}

func TestOrderCache_Stats(t *testing.T) {
	down := newFakeTier("redis")
	down.healthy = false
	c, _ := newTestCache(down, NewMemoryTier())
	ctx := context.Background()

	_ = c.PutOrder(ctx, sampleOrder(1))
	_ = c.PutOrder(ctx, sampleOrder(2))
	_ = c.PutBracket(ctx, &orders.Bracket{OcaGroup: "BRACKET_x"})

	s := c.Stats(ctx)
	if len(s.Tiers) != 2 {
		t.Fatalf("Expected 2 tiers, got %d", len(s.Tiers))
	}
	if s.Tiers[0].Healthy {
		t.Error("Expected the shared tier to report unhealthy")
	}
	mem := s.Tiers[1]
	if mem.Name != "memory" || mem.Orders != 2 || mem.Brackets != 1 {
		t.Errorf("Expected memory tier with 2 orders and 1 bracket, got %+v", mem)
	}
	if s.OrderTTL != "30s" || s.BracketTTL != "1m0s" {
		t.Errorf("Expected default TTLs, got %s / %s", s.OrderTTL, s.BracketTTL)
	}
}

func TestCacheService_DisabledAndDegraded(t *testing.T) {
	if _, err := NewCacheService(config.RedisConfig{Enabled: false}, zerolog.Nop()); err == nil {
		t.Error("Expected an error for a disabled Redis config")
	}

	// Nothing listens on port 1, so the service starts degraded
	cs, err := NewCacheService(config.RedisConfig{Enabled: true, Address: "127.0.0.1:1", PoolSize: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected degraded service, got error %v", err)
	}
	defer cs.Close()

	if cs.IsHealthy() {
		t.Fatal("Expected degraded service to report unhealthy")
	}
	if _, err := cs.Get(context.Background(), "order:1"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if err := cs.Set(context.Background(), "order:1", "{}", time.Second); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
