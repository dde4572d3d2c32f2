package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-gateway-core/internal/orders"
)

// Connection is one pool slot's link to the gateway. Only one request is in
// flight per Connection at a time.
type Connection interface {
	Connect(ctx context.Context) error
	Close() error
	Healthy() bool
	Info() ConnectionInfo

	CurrentTime(ctx context.Context) (time.Time, error)
	NextOrderID(ctx context.Context) (int64, error)
	PlaceOrder(ctx context.Context, o *orders.Order, transmit bool) (orders.Status, error)
	CancelOrder(ctx context.Context, orderID int64) error
	OpenOrders(ctx context.Context) ([]*orders.Order, error)
	AccountSummary(ctx context.Context) (*AccountSummary, error)
}

// Config holds Connection Manager settings
type Config struct {
	HeartbeatInterval    time.Duration
	StaleAfter           time.Duration
	RequestTimeout       time.Duration
	MaxReconnectAttempts int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	MinClientID          int
	MaxClientID          int
}

// DefaultConfig returns the stock connection settings
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		StaleAfter:           2 * time.Minute,
		RequestTimeout:       15 * time.Second,
		MaxReconnectAttempts: 5,
		BaseBackoff:          time.Second,
		MaxBackoff:           30 * time.Second,
		MinClientID:          100,
		MaxClientID:          999,
	}
}

// ConnectionInfo is a health snapshot of one connection
type ConnectionInfo struct {
	Slot            int       `json:"slot"`
	SessionID       string    `json:"session_id,omitempty"`
	ClientID        int       `json:"client_id,omitempty"`
	Connected       bool      `json:"connected"`
	Ready           bool      `json:"ready"`
	Healthy         bool      `json:"healthy"`
	LastHeartbeat   time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatAgeSec float64   `json:"heartbeat_age_seconds"`
	Reconnects      int       `json:"reconnects"`
	Fatal           bool      `json:"fatal"`
	LastError       string    `json:"last_error,omitempty"`
}

// StateFunc is notified when a connection is established or lost
type StateFunc func(info ConnectionInfo, up bool)

// Manager owns one authenticated gateway session for a pool slot: identity
// negotiation, liveness verification, heartbeat, error classification and
// reconnection with backoff.
type Manager struct {
	slot   int
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	connectMu sync.Mutex // serializes Connect
	reqMu     sync.Mutex // one in-flight request

	mu            sync.RWMutex
	session       Session
	sessionID     string
	clientID      int
	generation    int
	connected     bool
	ready         bool
	lastHeartbeat time.Time
	lastErr       error
	fatal         bool
	closed        bool
	closeCtx      context.Context // cancelled by Close; bounds background reconnects
	cancelClose   context.CancelFunc
	reconnects    int
	burned        map[int]bool
	hbStop        chan struct{}
	onState       StateFunc

	newClientID func() int
	now         func() time.Time
}

// NewManager creates a Connection Manager for a pool slot
func NewManager(slot int, cfg Config, dialer Dialer, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MinClientID <= 0 || cfg.MaxClientID <= cfg.MinClientID {
		cfg.MinClientID, cfg.MaxClientID = def.MinClientID, def.MaxClientID
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(slot)))
	var rngMu sync.Mutex

	closeCtx, cancelClose := context.WithCancel(context.Background())
	m := &Manager{
		slot:        slot,
		cfg:         cfg,
		dialer:      dialer,
		logger:      logger.With().Str("component", "ConnectionManager").Int("slot", slot).Logger(),
		burned:      make(map[int]bool),
		closeCtx:    closeCtx,
		cancelClose: cancelClose,
		now:         time.Now,
	}
	m.newClientID = func() int {
		rngMu.Lock()
		defer rngMu.Unlock()
		return cfg.MinClientID + rng.Intn(cfg.MaxClientID-cfg.MinClientID+1)
	}
	return m
}

// SetStateCallback registers a callback for connection up/down transitions
func (m *Manager) SetStateCallback(fn StateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// IsReady reports whether the session is connected and verified
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && m.ready
}

// Connect establishes a verified session. It returns immediately when already
// connected. Each attempt uses a fresh identity; attempts back off
// exponentially and stop after MaxReconnectAttempts with ErrReconnectExhausted.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.IsReady() {
		return nil
	}

	if m.isClosed() {
		return errManagerClosed
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	var lastErr error
	operation := func() error {
		if m.isClosed() {
			return backoff.Permanent(errManagerClosed)
		}
		attempts++
		err := m.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, errManagerClosed) {
			return backoff.Permanent(err)
		}
		lastErr = err
		m.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Int("max_attempts", m.cfg.MaxReconnectAttempts).
			Msg("Gateway connection attempt failed")
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.MaxReconnectAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if m.isClosed() {
			return errManagerClosed
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
		}
		m.mu.Lock()
		m.fatal = true
		m.lastErr = lastErr
		m.mu.Unlock()
		m.logger.Error().
			Err(lastErr).
			Int("attempts", attempts).
			Msg("Gateway reconnect attempts exhausted")
		return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, lastErr)
	}
	return nil
}

// connectOnce dials under a new identity and verifies liveness with a
// current-time round trip before marking the session ready.
func (m *Manager) connectOnce(ctx context.Context) error {
	clientID := m.nextIdentity()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	sess, err := m.dialer.Dial(dialCtx, clientID, m.eventHandler(gen))
	if err != nil {
		if errors.Is(err, ErrIdentityInUse) {
			m.burn(clientID)
		}
		return err
	}

	var ts CurrentTimeResponse
	if err := sess.Call(dialCtx, OpCurrentTime, nil, &ts); err != nil {
		sess.Close()
		return fmt.Errorf("liveness check as client %d failed: %w", clientID, err)
	}

	stop := make(chan struct{})

	m.mu.Lock()
	if m.closed || gen != m.generation {
		// Closed while dialing; the new session must not outlive the manager
		m.mu.Unlock()
		sess.Close()
		return errManagerClosed
	}
	m.session = sess
	m.sessionID = uuid.NewString()
	m.clientID = clientID
	m.connected = true
	m.ready = true
	m.fatal = false
	m.lastErr = nil
	m.lastHeartbeat = m.now()
	m.hbStop = stop
	onState := m.onState
	m.mu.Unlock()

	go m.heartbeatLoop(gen, sess, stop)
	go m.watchSession(gen, sess, stop)

	m.logger.Info().
		Int("client_id", clientID).
		Int64("server_time", ts.Time).
		Msg("Connected to gateway")

	if onState != nil {
		onState(m.Info(), true)
	}
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// nextIdentity draws a client id that has not been rejected as in use
func (m *Manager) nextIdentity() int {
	for i := 0; ; i++ {
		id := m.newClientID()
		m.mu.RLock()
		burned := m.burned[id]
		m.mu.RUnlock()
		if !burned || i > 1000 {
			return id
		}
	}
}

func (m *Manager) burn(clientID int) {
	m.mu.Lock()
	m.burned[clientID] = true
	m.mu.Unlock()
	m.logger.Warn().Int("client_id", clientID).Msg("Client id already in use, discarding it")
}

// eventHandler classifies unsolicited gateway messages for one session generation
func (m *Manager) eventHandler(gen int) EventHandler {
	return func(code int, message string) {
		switch Classify(code) {
		case ClassInformational:
			m.logger.Debug().Int("code", code).Str("message", message).Msg("Gateway notice")
		case ClassSessionFatal:
			m.logger.Warn().Int("code", code).Str("message", message).Msg("Session-fatal gateway error, reconnecting")
			m.linkLost(gen, &GatewayError{Code: code, Message: message}, true)
		default:
			m.logger.Warn().Int("code", code).Str("message", message).Msg("Unsolicited gateway error")
		}
	}
}

func (m *Manager) watchSession(gen int, sess Session, stop chan struct{}) {
	select {
	case <-sess.Done():
		m.linkLost(gen, ErrSessionClosed, true)
	case <-stop:
	}
}

func (m *Manager) heartbeatLoop(gen int, sess Session, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Waits behind any in-flight request
			m.reqMu.Lock()
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
			var ts CurrentTimeResponse
			err := sess.Call(ctx, OpCurrentTime, nil, &ts)
			cancel()
			m.reqMu.Unlock()

			if err == nil {
				m.touch(gen)
				continue
			}
			m.logger.Warn().Err(err).Msg("Heartbeat failed")
			if IsTransportError(err) {
				m.linkLost(gen, err, true)
				return
			}
		}
	}
}

func (m *Manager) touch(gen int) {
	m.mu.Lock()
	if gen == m.generation && m.connected {
		m.lastHeartbeat = m.now()
	}
	m.mu.Unlock()
}

// linkLost tears down the session of the given generation. Stale generations
// are ignored so a late event from a replaced session cannot kill the new one.
func (m *Manager) linkLost(gen int, cause error, reconnect bool) {
	m.mu.Lock()
	if gen != m.generation || !m.connected {
		m.mu.Unlock()
		return
	}
	sess := m.session
	m.session = nil
	m.connected = false
	m.ready = false
	m.lastErr = cause
	m.reconnects++
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	closed := m.closed
	onState := m.onState
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
	}

	m.logger.Warn().Err(cause).Msg("Gateway link lost")
	if onState != nil {
		onState(m.Info(), false)
	}

	if reconnect && !closed {
		go func() {
			if err := m.Connect(m.closeCtx); err != nil && !errors.Is(err, errManagerClosed) {
				m.logger.Error().Err(err).Msg("Background reconnect failed")
			}
		}()
	}
}

// Healthy reports connected, ready and a heartbeat younger than StaleAfter
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && m.ready && m.now().Sub(m.lastHeartbeat) < m.cfg.StaleAfter
}

// Info returns a health snapshot
func (m *Manager) Info() ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := ConnectionInfo{
		Slot:          m.slot,
		SessionID:     m.sessionID,
		ClientID:      m.clientID,
		Connected:     m.connected,
		Ready:         m.ready,
		LastHeartbeat: m.lastHeartbeat,
		Reconnects:    m.reconnects,
		Fatal:         m.fatal,
	}
	if !m.lastHeartbeat.IsZero() {
		info.HeartbeatAgeSec = m.now().Sub(m.lastHeartbeat).Seconds()
	}
	info.Healthy = m.connected && m.ready && m.now().Sub(m.lastHeartbeat) < m.cfg.StaleAfter
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	return info
}

// Close disposes the session and stops heartbeats. A closed manager never reconnects.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sess := m.session
	m.session = nil
	m.connected = false
	m.ready = false
	m.generation++
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	m.mu.Unlock()
	m.cancelClose()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// do runs one request on the session. Transport failures tear the link down so
// the pool reconnects it; the request itself is never retried here.
func (m *Manager) do(ctx context.Context, op string, req, resp interface{}) error {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	m.mu.RLock()
	sess, gen, ready := m.session, m.generation, m.connected && m.ready
	m.mu.RUnlock()
	if !ready || sess == nil {
		return ErrNotConnected
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	err := sess.Call(callCtx, op, req, resp)
	if err == nil {
		m.touch(gen)
		return nil
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) && Classify(gwErr.Code) == ClassInformational {
		m.logger.Debug().Int("code", gwErr.Code).Str("op", op).Msg("Ignoring informational gateway reply")
		return nil
	}
	if IsTransportError(err) && ctx.Err() == nil {
		m.linkLost(gen, err, true)
	}
	return err
}

// CurrentTime returns the gateway clock
func (m *Manager) CurrentTime(ctx context.Context) (time.Time, error) {
	var resp CurrentTimeResponse
	if err := m.do(ctx, OpCurrentTime, nil, &resp); err != nil {
		return time.Time{}, err
	}
	return time.Unix(resp.Time, 0), nil
}

// NextOrderID reserves the next valid order id
func (m *Manager) NextOrderID(ctx context.Context) (int64, error) {
	var resp NextOrderIDResponse
	if err := m.do(ctx, OpNextOrderID, nil, &resp); err != nil {
		return 0, err
	}
	return resp.OrderID, nil
}

// PlaceOrder transmits (or stages, when transmit is false) an order. Placing an
// existing order id modifies it.
func (m *Manager) PlaceOrder(ctx context.Context, o *orders.Order, transmit bool) (orders.Status, error) {
	var resp PlaceOrderResponse
	req := PlaceOrderRequest{Order: ToWire(o), Transmit: transmit}
	if err := m.do(ctx, OpPlaceOrder, req, &resp); err != nil {
		return "", err
	}
	if resp.Status == "" {
		return orders.StatusPendingSubmit, nil
	}
	return orders.Status(resp.Status), nil
}

// CancelOrder requests cancellation of an order id
func (m *Manager) CancelOrder(ctx context.Context, orderID int64) error {
	return m.do(ctx, OpCancelOrder, CancelOrderRequest{OrderID: orderID}, nil)
}

// OpenOrders returns the gateway's open-order list at full fidelity
func (m *Manager) OpenOrders(ctx context.Context) ([]*orders.Order, error) {
	var resp OpenOrdersResponse
	if err := m.do(ctx, OpOpenOrders, nil, &resp); err != nil {
		return nil, err
	}
	now := m.now()
	list := make([]*orders.Order, 0, len(resp.Orders))
	for _, w := range resp.Orders {
		list = append(list, FromWire(w, now))
	}
	return list, nil
}

// AccountSummary returns net liquidation and positions
func (m *Manager) AccountSummary(ctx context.Context) (*AccountSummary, error) {
	var resp AccountSummary
	if err := m.do(ctx, OpAccountSummary, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

var _ Connection = (*Manager)(nil)
