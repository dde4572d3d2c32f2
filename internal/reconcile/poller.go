package reconcile

import (
	"context"
	"sync"
	"time"

	"trading-gateway-core/internal/orders"

	"github.com/rs/zerolog"
)

// LiveSource supplies the gateway's authoritative open-order list
type LiveSource interface {
	OpenOrders(ctx context.Context) ([]*orders.Order, error)
}

// Poller runs a reconciliation pass on a fixed interval. Gateway push
// notifications are not relied on for order status.
type Poller struct {
	reconciler *Reconciler
	source     LiveSource
	interval   time.Duration
	logger     zerolog.Logger

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	last      *Result
	lastErr   error
	lastRun   time.Time
}

// NewPoller creates a poller
func NewPoller(reconciler *Reconciler, source LiveSource, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		reconciler: reconciler,
		source:     source,
		interval:   interval,
		logger:     logger.With().Str("component", "ReconcilePoller").Logger(),
	}
}

// Start begins polling. Calling Start on a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.stopChan = make(chan struct{})
	stop := p.stopChan
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx, stop)

	p.logger.Info().Dur("interval", p.interval).Msg("Started reconciliation poller")
}

// Stop halts polling and waits for an in-flight pass to finish
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("Stopped reconciliation poller")
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("Reconciliation pass failed")
			}
		}
	}
}

// RunOnce pulls the live list and reconciles it immediately
func (p *Poller) RunOnce(ctx context.Context) (*Result, error) {
	mark := p.reconciler.Mark()
	live, err := p.source.OpenOrders(ctx)
	if err == nil {
		var result *Result
		result, err = p.reconciler.ReconcileSnapshot(ctx, live, mark)
		p.record(result, err)
		return result, err
	}
	p.record(nil, err)
	return nil, err
}

func (p *Poller) record(result *Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRun = time.Now()
	p.lastErr = err
	if result != nil {
		p.last = result
	}
}

// Status describes the most recent pass
type Status struct {
	Running    bool      `json:"running"`
	Interval   string    `json:"interval"`
	LastRun    time.Time `json:"last_run"`
	LastError  string    `json:"last_error,omitempty"`
	LastResult *Result   `json:"last_result,omitempty"`
}

// Status returns the poller's state
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Running:    p.isRunning,
		Interval:   p.interval.String(),
		LastRun:    p.lastRun,
		LastResult: p.last,
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}
