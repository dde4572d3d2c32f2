package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"trading-gateway-core/config"
	"trading-gateway-core/internal/orders"

	"github.com/rs/zerolog"
)

// Key prefixes
const (
	PrefixOrder        = "order:%d"
	PrefixBracketGroup = "bracket-group:%s"
	KeyOpenOrders      = "order-index:open"
	KeyBrackets        = "bracket-index"
)

// Default TTLs
const (
	DefaultOrderTTL   = 30 * time.Second
	DefaultBracketTTL = 60 * time.Second
)

// OrderKey generates the cache key for one order.
func OrderKey(orderID int64) string {
	return fmt.Sprintf(PrefixOrder, orderID)
}

// BracketKey generates the cache key for one bracket group.
func BracketKey(ocaGroup string) string {
	return fmt.Sprintf(PrefixBracketGroup, ocaGroup)
}

// envelope wraps every cached value with its capture time. TTL is enforced on
// read from captured_at, independent of any expiry the tier applies.
type envelope struct {
	CapturedAt time.Time       `json:"captured_at"`
	Data       json.RawMessage `json:"data"`
}

// OrderCache is the volatile mirror of order and bracket state. Writes go to
// every available tier; reads return the newest entry any tier holds and
// never one older than its TTL.
type OrderCache struct {
	tiers      []Tier
	orderTTL   time.Duration
	bracketTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewOrderCache creates an order cache over the given tiers, fastest-shared
// first. Nil tiers are skipped, so a disabled Redis tier can be passed as-is.
func NewOrderCache(cfg config.CacheConfig, logger zerolog.Logger, tiers ...Tier) *OrderCache {
	c := &OrderCache{
		orderTTL:   cfg.OrderTTL,
		bracketTTL: cfg.BracketTTL,
		logger:     logger.With().Str("component", "OrderCache").Logger(),
		now:        time.Now,
	}
	if c.orderTTL <= 0 {
		c.orderTTL = DefaultOrderTTL
	}
	if c.bracketTTL <= 0 {
		c.bracketTTL = DefaultBracketTTL
	}
	for _, t := range tiers {
		if t != nil && !isNilTier(t) {
			c.tiers = append(c.tiers, t)
		}
	}
	return c
}

func isNilTier(t Tier) bool {
	cs, ok := t.(*CacheService)
	return ok && cs == nil
}

// PutOrder caches one order.
func (c *OrderCache) PutOrder(ctx context.Context, o *orders.Order) error {
	return c.put(ctx, OrderKey(o.OrderID), o, c.orderTTL)
}

// GetOrder returns a fresh cached order.
func (c *OrderCache) GetOrder(ctx context.Context, orderID int64) (*orders.Order, bool) {
	var o orders.Order
	if !c.get(ctx, OrderKey(orderID), c.orderTTL, &o) {
		return nil, false
	}
	return &o, true
}

// PutOpenOrders caches the open-order index.
func (c *OrderCache) PutOpenOrders(ctx context.Context, list []*orders.Order) error {
	if list == nil {
		list = []*orders.Order{}
	}
	return c.put(ctx, KeyOpenOrders, list, c.orderTTL)
}

// GetOpenOrders returns the fresh open-order index.
func (c *OrderCache) GetOpenOrders(ctx context.Context) ([]*orders.Order, bool) {
	var list []*orders.Order
	if !c.get(ctx, KeyOpenOrders, c.orderTTL, &list) {
		return nil, false
	}
	return list, true
}

// PutBracket caches one bracket group.
func (c *OrderCache) PutBracket(ctx context.Context, b *orders.Bracket) error {
	return c.put(ctx, BracketKey(b.OcaGroup), b, c.bracketTTL)
}

// GetBracket returns a fresh cached bracket group.
func (c *OrderCache) GetBracket(ctx context.Context, ocaGroup string) (*orders.Bracket, bool) {
	var b orders.Bracket
	if !c.get(ctx, BracketKey(ocaGroup), c.bracketTTL, &b) {
		return nil, false
	}
	return &b, true
}

// PutBrackets caches the bracket index.
func (c *OrderCache) PutBrackets(ctx context.Context, list []*orders.Bracket) error {
	if list == nil {
		list = []*orders.Bracket{}
	}
	return c.put(ctx, KeyBrackets, list, c.bracketTTL)
}

// GetBrackets returns the fresh bracket index.
func (c *OrderCache) GetBrackets(ctx context.Context) ([]*orders.Bracket, bool) {
	var list []*orders.Bracket
	if !c.get(ctx, KeyBrackets, c.bracketTTL, &list) {
		return nil, false
	}
	return list, true
}

// InvalidateOrder drops an order, its bracket group and both indexes from every
// tier. Used after a cancel or modify so the next read goes live.
func (c *OrderCache) InvalidateOrder(ctx context.Context, orderID int64, ocaGroup string) error {
	keys := []string{OrderKey(orderID), KeyOpenOrders, KeyBrackets}
	if ocaGroup != "" {
		keys = append(keys, BracketKey(ocaGroup))
	}

	var errs []error
	for _, t := range c.tiers {
		if err := t.Delete(ctx, keys...); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// InvalidateAll drops every order and bracket entry from every tier.
func (c *OrderCache) InvalidateAll(ctx context.Context) error {
	var errs []error
	for _, t := range c.tiers {
		for _, pattern := range []string{"order:*", "bracket-group:*"} {
			if err := t.DeletePattern(ctx, pattern); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", t.Name(), pattern, err))
			}
		}
		if err := t.Delete(ctx, KeyOpenOrders, KeyBrackets); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *OrderCache) put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	raw, err := json.Marshal(envelope{CapturedAt: c.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for %s: %w", key, err)
	}

	var errs []error
	written := 0
	for _, t := range c.tiers {
		if !t.IsHealthy() {
			continue
		}
		if err := t.Set(ctx, key, string(raw), ttl); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		written++
	}
	if written == 0 && len(errs) == 0 {
		errs = append(errs, ErrUnavailable)
	}
	if len(errs) > 0 {
		c.logger.Debug().Err(errors.Join(errs...)).Str("key", key).Int("written", written).Msg("Cache write incomplete")
	}
	if written > 0 {
		return nil
	}
	return errors.Join(errs...)
}

// get returns the newest fresh entry across tiers. A tier that was skipped
// while unhealthy can hold an older copy that is still inside its TTL.
func (c *OrderCache) get(ctx context.Context, key string, ttl time.Duration, dest interface{}) bool {
	type candidate struct {
		tier Tier
		env  envelope
	}
	var candidates []candidate

	for _, t := range c.tiers {
		if !t.IsHealthy() {
			continue
		}
		raw, err := t.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrMiss) {
				c.logger.Debug().Err(err).Str("tier", t.Name()).Str("key", key).Msg("Cache read failed, trying next tier")
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			c.logger.Warn().Err(err).Str("tier", t.Name()).Str("key", key).Msg("Dropping undecodable cache entry")
			_ = t.Delete(ctx, key)
			continue
		}
		if c.now().Sub(env.CapturedAt) >= ttl {
			continue
		}
		candidates = append(candidates, candidate{tier: t, env: env})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].env.CapturedAt.After(candidates[j].env.CapturedAt)
	})
	for _, cand := range candidates {
		if err := json.Unmarshal(cand.env.Data, dest); err != nil {
			c.logger.Warn().Err(err).Str("tier", cand.tier.Name()).Str("key", key).Msg("Dropping undecodable cache entry")
			_ = cand.tier.Delete(ctx, key)
			continue
		}
		c.hits.Add(1)
		return true
	}
	c.misses.Add(1)
	return false
}

// TierStats describes one tier.
type TierStats struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Orders   int    `json:"orders"`
	Brackets int    `json:"brackets"`
	Error    string `json:"error,omitempty"`
}

// Stats reports tier health, entry counts and hit/miss counters.
type Stats struct {
	Tiers      []TierStats `json:"tiers"`
	Hits       int64       `json:"hits"`
	Misses     int64       `json:"misses"`
	OrderTTL   string      `json:"order_ttl"`
	BracketTTL string      `json:"bracket_ttl"`
}

// Stats returns current cache statistics.
func (c *OrderCache) Stats(ctx context.Context) Stats {
	s := Stats{
		Tiers:      make([]TierStats, 0, len(c.tiers)),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		OrderTTL:   c.orderTTL.String(),
		BracketTTL: c.bracketTTL.String(),
	}
	for _, t := range c.tiers {
		ts := TierStats{Name: t.Name(), Healthy: t.IsHealthy()}
		if ts.Healthy {
			var errs []error
			n, err := t.Count(ctx, "order:*")
			errs = append(errs, err)
			ts.Orders = n
			n, err = t.Count(ctx, "bracket-group:*")
			errs = append(errs, err)
			ts.Brackets = n
			if err := errors.Join(errs...); err != nil {
				ts.Error = err.Error()
			}
		}
		s.Tiers = append(s.Tiers, ts)
	}
	return s
}
