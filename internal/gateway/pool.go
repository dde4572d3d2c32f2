package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PoolConfig holds connection pool settings
type PoolConfig struct {
	MaxConnections  int
	CheckoutTimeout time.Duration
}

// Factory builds the connection for a pool slot. It is called at
// initialization and again whenever a dead connection is replaced.
type Factory func(slot int) Connection

// PoolStatus is a snapshot of pool occupancy and per-connection health
type PoolStatus struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	InUse       int              `json:"in_use"`
	Max         int              `json:"max"`
	Initialized bool             `json:"initialized"`
	Healthy     int              `json:"healthy"`
	Connections []ConnectionInfo `json:"connections"`
}

// Pool lends a fixed number of connections to callers. A connection is held by
// at most one caller at a time; the pool never grows past MaxConnections.
type Pool struct {
	cfg     PoolConfig
	factory Factory
	logger  zerolog.Logger

	mu          sync.Mutex
	conns       []Connection
	inUse       map[int]bool
	available   chan int
	initialized bool
	closed      bool
	closing     chan struct{}
	revivals    sync.WaitGroup
}

// NewPool creates an uninitialized pool
func NewPool(cfg PoolConfig, factory Factory, logger zerolog.Logger) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 3
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 10 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		logger:    logger.With().Str("component", "ConnectionPool").Logger(),
		conns:     make([]Connection, cfg.MaxConnections),
		inUse:     make(map[int]bool),
		available: make(chan int, cfg.MaxConnections),
		closing:   make(chan struct{}),
	}
}

// Initialize connects every slot concurrently. It fails only when no slot
// could connect; slots that failed are revived on checkout.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	for slot := range p.conns {
		p.conns[slot] = p.factory(slot)
	}
	conns := append([]Connection(nil), p.conns...)
	p.mu.Unlock()

	errs := make([]error, len(conns))
	var g errgroup.Group
	for slot, conn := range conns {
		slot, conn := slot, conn
		g.Go(func() error {
			errs[slot] = conn.Connect(ctx)
			return nil
		})
	}
	g.Wait()

	connected := 0
	for slot, err := range errs {
		if err != nil {
			p.logger.Warn().Err(err).Int("slot", slot).Msg("Pool slot failed to connect")
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("%w: no pool connection could be established: %v", ErrNotConnected, errs[0])
	}

	p.mu.Lock()
	for slot := range conns {
		p.available <- slot
	}
	p.initialized = true
	p.mu.Unlock()

	p.logger.Info().
		Int("connected", connected).
		Int("size", len(conns)).
		Msg("Connection pool initialized")
	return nil
}

// Lease is a checked-out connection. Release must be called exactly once;
// further calls are no-ops.
type Lease struct {
	Connection
	pool *Pool
	slot int
	once sync.Once
}

// Slot returns the pool slot this lease holds
func (l *Lease) Slot() int {
	return l.slot
}

// Release returns the connection to the pool
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.slot)
	})
}

// Checkout borrows a healthy connection, waiting up to CheckoutTimeout for a
// free slot. Running out of time means no capacity and yields ErrPoolExhausted.
func (p *Pool) Checkout(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if !p.initialized {
		p.mu.Unlock()
		return nil, ErrPoolNotInitialized
	}
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.CheckoutTimeout)
	timer := time.NewTimer(p.cfg.CheckoutTimeout)
	defer timer.Stop()

	var slot int
	select {
	case slot = <-p.available:
	case <-timer.C:
		status := p.Status()
		return nil, fmt.Errorf("%w: checkout timed out after %s with %d/%d in use",
			ErrPoolExhausted, p.cfg.CheckoutTimeout, status.InUse, status.Max)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closing:
		return nil, ErrPoolClosed
	}

	// Reviving a dead slot shares the checkout budget
	reviveCtx, cancel := context.WithDeadline(ctx, deadline)
	conn, err := p.ensureHealthy(reviveCtx, slot)
	cancel()
	if err != nil {
		p.reviveInBackground(slot)
		return nil, fmt.Errorf("%w: slot %d unavailable: %w", ErrNotConnected, slot, err)
	}

	p.mu.Lock()
	p.inUse[slot] = true
	p.mu.Unlock()

	return &Lease{Connection: conn, pool: p, slot: slot}, nil
}

// With checks out a connection, runs fn and releases it
func (p *Pool) With(ctx context.Context, fn func(Connection) error) error {
	lease, err := p.Checkout(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Connection)
}

// ensureHealthy reconnects the slot's connection or replaces it with a fresh one
func (p *Pool) ensureHealthy(ctx context.Context, slot int) (Connection, error) {
	p.mu.Lock()
	conn := p.conns[slot]
	p.mu.Unlock()

	if conn.Healthy() {
		return conn, nil
	}
	if err := conn.Connect(ctx); err == nil && conn.Healthy() {
		return conn, nil
	} else if ctx.Err() != nil {
		// Out of time, not proof the connection is dead
		return nil, fmt.Errorf("slot %d not revived in time: %w", slot, ctx.Err())
	}

	p.logger.Warn().Int("slot", slot).Msg("Replacing dead pool connection")
	conn.Close()

	fresh := p.factory(slot)
	p.mu.Lock()
	p.conns[slot] = fresh
	p.mu.Unlock()

	if err := fresh.Connect(ctx); err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	return fresh, nil
}

func (p *Pool) release(slot int) {
	p.mu.Lock()
	delete(p.inUse, slot)
	conn := p.conns[slot]
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}
	if conn.Healthy() {
		p.available <- slot
		return
	}

	p.reviveInBackground(slot)
}

// reviveInBackground reconnects or replaces the slot's connection, then makes
// the slot available again
func (p *Pool) reviveInBackground(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.revivals.Add(1)
	go func() {
		defer p.revivals.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CheckoutTimeout)
		defer cancel()
		if _, err := p.ensureHealthy(ctx, slot); err != nil {
			p.logger.Error().Err(err).Int("slot", slot).Msg("Failed to revive pool connection")
		}
		p.available <- slot
	}()
}

// Status returns occupancy and per-connection health
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	conns := append([]Connection(nil), p.conns...)
	inUse := len(p.inUse)
	initialized := p.initialized
	p.mu.Unlock()

	status := PoolStatus{
		Total:       len(conns),
		Available:   len(p.available),
		InUse:       inUse,
		Max:         p.cfg.MaxConnections,
		Initialized: initialized,
	}
	for _, c := range conns {
		if c == nil {
			continue
		}
		info := c.Info()
		if info.Healthy {
			status.Healthy++
		}
		status.Connections = append(status.Connections, info)
	}
	return status
}

// HealthCheck fails when fewer than half of the connections are healthy
func (p *Pool) HealthCheck() error {
	status := p.Status()
	if !status.Initialized {
		return ErrPoolNotInitialized
	}
	if status.Healthy*2 < status.Total {
		return fmt.Errorf("%w: only %d of %d pool connections healthy", ErrNotConnected, status.Healthy, status.Total)
	}
	return nil
}

// Close disconnects every connection. Pending checkouts fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	conns := append([]Connection(nil), p.conns...)
	p.mu.Unlock()

	p.revivals.Wait()
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
	p.logger.Info().Msg("Connection pool closed")
	return nil
}
