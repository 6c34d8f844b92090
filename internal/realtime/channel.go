// Package realtime maintains the station's WebSocket link to the backend,
// reconnecting with bounded backoff and fanning decoded pushes to a handler.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sgmi/padaria-floor/internal/api"
	"github.com/sgmi/padaria-floor/internal/domain"
	"github.com/sgmi/padaria-floor/internal/observability"
)

// State is the channel's connection lifecycle.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
)

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	maxReconnectAttempts  = 10
	reconnectJitterFrac   = 0.3
	pingInterval          = 25 * time.Second
	handshakeTimeout      = 10 * time.Second
	writeTimeout          = 5 * time.Second
)

var (
	// ErrNotConnected is returned by Send while the link is down; frames are
	// dropped, never queued.
	ErrNotConnected = errors.New("realtime channel is not connected")

	// ErrMissingToken aborts the channel before any dial; reconnecting cannot
	// fix an absent credential.
	ErrMissingToken = errors.New("realtime channel has no auth token")

	// ErrReconnectExhausted is returned by Run when the attempt budget runs out.
	ErrReconnectExhausted = errors.New("realtime reconnect attempts exhausted")
)

// Handler receives every decoded inbound message, in arrival order, from a
// single goroutine.
type Handler func(Message)

// Channel is the realtime link. Run owns the connection; Send may be called
// from any goroutine.
type Channel struct {
	endpoint *url.URL
	tokens   api.TokenSource
	handler  Handler
	logger   *zap.Logger
	metrics  *observability.Metrics
	dialer   *websocket.Dialer

	now       func() time.Time
	randFloat func() float64
	sleep     func(context.Context, time.Duration) error

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
}

func NewChannel(rawURL string, tokens api.TokenSource, handler Handler, logger *zap.Logger) (*Channel, error) {
	endpoint, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket url scheme %q", endpoint.Scheme)
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Channel{
		endpoint:  endpoint,
		tokens:    tokens,
		handler:   handler,
		logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		now:       time.Now,
		randFloat: rand.Float64,
		sleep:     sleepContext,
		state:     StateDisconnected,
	}, nil
}

func (c *Channel) SetMetrics(metrics *observability.Metrics) {
	c.metrics = metrics
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and serves the link until ctx is cancelled, the server closes
// normally, or the reconnect budget is exhausted. It always leaves the channel
// in a terminal state before returning.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrMissingToken) {
				c.setState(StateError)
				return err
			}

			attempt++
			if c.metrics != nil {
				c.metrics.IncRealtimeConnect("failure")
			}
			c.logger.Warn("realtime connect failed",
				zap.Int("attempt", attempt),
				zap.Error(err))

			if attempt >= maxReconnectAttempts {
				c.setState(StateError)
				return fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, err)
			}
			if err := c.sleep(ctx, c.reconnectDelay(attempt)); err != nil {
				c.setState(StateDisconnected)
				return err
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		if c.metrics != nil {
			c.metrics.IncRealtimeConnect("success")
		}
		c.logger.Info("realtime channel connected", zap.String("url", c.endpoint.Host))

		err = c.serve(ctx, conn)
		c.setConn(nil)

		switch {
		case ctx.Err() != nil:
			c.setState(StateDisconnected)
			return ctx.Err()
		case isNormalClosure(err):
			// Close code 1000 is a deliberate shutdown; do not reconnect.
			c.logger.Info("realtime channel closed by server")
			c.setState(StateDisconnected)
			return nil
		default:
			attempt++
			c.logger.Warn("realtime connection lost", zap.Error(err))
			if attempt >= maxReconnectAttempts {
				c.setState(StateError)
				return fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, err)
			}
			if err := c.sleep(ctx, c.reconnectDelay(attempt)); err != nil {
				c.setState(StateDisconnected)
				return err
			}
		}
	}
}

// Send writes one frame to the live connection. Frames sent while the link is
// down are dropped and reported, not queued.
func (c *Channel) Send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		if c.metrics != nil {
			c.metrics.IncRealtimeDroppedSend()
		}
		return fmt.Errorf("%w: dropping %s frame", ErrNotConnected, env.Type)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

// SendAction mirrors a lifecycle action over the link.
func (c *Channel) SendAction(batchID string, action domain.Action) error {
	env, err := NewBatchAction(batchID, action, c.now())
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		// Only a rejected credential is hopeless; a flaky token fetch gets
		// the same backoff as a failed dial.
		if errors.Is(err, domain.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", ErrMissingToken, err)
		}
		return nil, fmt.Errorf("token fetch failed: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	endpoint := *c.endpoint
	query := endpoint.Query()
	query.Set("token", token)
	endpoint.RawQuery = query.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// serve reads frames until the connection drops or ctx is cancelled, pinging
// every pingInterval to keep intermediaries from idling the link out.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.dispatch(raw)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			_ = conn.Close()
			return err
		case <-ticker.C:
			if err := c.Send(NewPing(c.now())); err != nil {
				c.logger.Warn("realtime ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Channel) dispatch(raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		c.logger.Warn("dropping malformed realtime frame", zap.Error(err))
		return
	}

	if c.metrics != nil {
		c.metrics.IncRealtimeMessage(msg.Type)
	}
	if !msg.Known() {
		c.logger.Debug("ignoring unknown realtime message", zap.String("type", msg.Type))
		return
	}

	c.handler(msg)
}

// reconnectDelay doubles from one second per attempt, caps at thirty seconds,
// then adds up to thirty percent jitter so a fleet of stations does not
// reconnect in lockstep.
func (c *Channel) reconnectDelay(attempt int) time.Duration {
	delay := initialReconnectDelay
	for i := 1; i < attempt && delay < maxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}

	jitter := time.Duration(float64(delay) * reconnectJitterFrac * c.randFloat())
	return delay + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	if conn != nil {
		c.state = StateConnected
	}
	c.mu.Unlock()
}

func isNormalClosure(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure
}
