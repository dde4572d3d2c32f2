package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// EventHandler receives unsolicited gateway messages (no request id)
type EventHandler func(code int, message string)

// Session is one authenticated link to the gateway
type Session interface {
	// Call sends a request and waits for its response. resp may be nil.
	Call(ctx context.Context, op string, req, resp interface{}) error
	// Done is closed when the link is gone
	Done() <-chan struct{}
	Close() error
}

// Dialer opens sessions under a given client identity
type Dialer interface {
	Dial(ctx context.Context, clientID int, onEvent EventHandler) (Session, error)
}

// WebsocketDialer dials the gateway session endpoint and performs the hello
// handshake.
type WebsocketDialer struct {
	URL               string
	Account           string
	Token             string
	HandshakeTimeout  time.Duration
	RequestsPerSecond float64
}

// Dial connects, starts the read loop and negotiates the client identity. An
// identity rejected as in use yields an error matching ErrIdentityInUse.
func (d *WebsocketDialer) Dial(ctx context.Context, clientID int, onEvent EventHandler) (Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway %s: %w", d.URL, err)
	}

	s := newWSSession(conn, d.RequestsPerSecond, onEvent)
	go s.readLoop()

	hello := HelloRequest{ClientID: clientID, Account: d.Account, Token: d.Token}
	var resp HelloResponse
	if err := s.Call(ctx, OpHello, hello, &resp); err != nil {
		s.Close()
		return nil, fmt.Errorf("hello as client %d failed: %w", clientID, err)
	}

	return s, nil
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
	onEvent EventHandler

	mu      sync.Mutex
	pending map[int64]chan *Envelope
	nextID  int64

	done      chan struct{}
	closeOnce sync.Once
}

func newWSSession(conn *websocket.Conn, rps float64, onEvent EventHandler) *wsSession {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &wsSession{
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
		onEvent: onEvent,
		pending: make(map[int64]chan *Envelope),
		done:    make(chan struct{}),
	}
}

func (s *wsSession) Done() <-chan struct{} {
	return s.done
}

func (s *wsSession) Call(ctx context.Context, op string, req, resp interface{}) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	env := Envelope{
		ID:   atomic.AddInt64(&s.nextID, 1),
		Type: MsgRequest,
		Op:   op,
	}
	if req != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		env.Payload = payload
	}

	ch := make(chan *Envelope, 1)
	s.mu.Lock()
	s.pending[env.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
	}()

	if err := s.write(ctx, env); err != nil {
		s.shutdown()
		return fmt.Errorf("%w: write %s: %v", ErrSessionClosed, op, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return &GatewayError{Code: reply.Error.Code, Message: reply.Error.Message, RequestID: env.ID}
		}
		if resp != nil && len(reply.Payload) > 0 {
			if err := json.Unmarshal(reply.Payload, resp); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", op, err)
			}
		}
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsSession) write(ctx context.Context, env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(env)
}

func (s *wsSession) readLoop() {
	defer s.shutdown()

	for {
		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case MsgResponse, MsgError:
			if env.ID != 0 && s.deliver(&env) {
				continue
			}
			if env.Error != nil && s.onEvent != nil {
				s.onEvent(env.Error.Code, env.Error.Message)
			}
		case MsgDisconnect:
			return
		}
	}
}

func (s *wsSession) deliver(env *Envelope) bool {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (s *wsSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *wsSession) Close() error {
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.shutdown()
	return nil
}
