package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storylab-backend/pkg/constants"
	"storylab-backend/pkg/logger"
)

// WSBus is a client of the call service's websocket signaling relay. It
// keeps one connection per topic and shares it between Publish and every
// subscription on that topic.
type WSBus struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conns  map[string]*wsTopicConn
	closed bool
}

type wsTopicConn struct {
	topic string
	conn  *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[*wsSubscription]struct{}
	closed bool
	done   chan struct{}
}

type wsSubscription struct {
	tc   *wsTopicConn
	ch   chan []byte
	once sync.Once
}

// NewWSBus creates a bus that dials endpoint (for example
// ws://localhost:8083/v1/calls/ws/signaling) authenticating with a bearer token.
func NewWSBus(endpoint, token string) *WSBus {
	return &WSBus{
		endpoint: endpoint,
		token:    token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		conns: make(map[string]*wsTopicConn),
	}
}

func (b *WSBus) connFor(ctx context.Context, topic string) (*wsTopicConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if tc, ok := b.conns[topic]; ok && !tc.isClosed() {
		return tc, nil
	}

	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling endpoint: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if b.token != "" {
		header.Set("Authorization", "Bearer "+b.token)
	}

	conn, resp, err := b.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial signaling relay (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial signaling relay: %w", err)
	}

	tc := &wsTopicConn{
		topic: topic,
		conn:  conn,
		subs:  make(map[*wsSubscription]struct{}),
		done:  make(chan struct{}),
	}
	b.conns[topic] = tc

	go tc.readPump()
	go tc.pingLoop()

	return tc, nil
}

// Publish writes payload as one text frame on the topic's connection
func (b *WSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	tc, err := b.connFor(ctx, topic)
	if err != nil {
		return err
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()

	deadline := time.Now().Add(constants.WebSocketWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	tc.conn.SetWriteDeadline(deadline)
	if err := tc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write signaling frame: %w", err)
	}
	return nil
}

// Subscribe attaches a subscriber to the topic's connection
func (b *WSBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	tc, err := b.connFor(ctx, topic)
	if err != nil {
		return nil, err
	}

	sub := &wsSubscription{tc: tc, ch: make(chan []byte, constants.SubscriptionBuffer)}

	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return nil, ErrBusClosed
	}
	tc.subs[sub] = struct{}{}
	tc.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-tc.done:
		}
	}()

	return sub, nil
}

// Close closes every topic connection
func (b *WSBus) Close() error {
	b.mu.Lock()
	b.closed = true
	conns := b.conns
	b.conns = make(map[string]*wsTopicConn)
	b.mu.Unlock()

	for _, tc := range conns {
		tc.writeMu.Lock()
		tc.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
		tc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		tc.writeMu.Unlock()
		tc.conn.Close()
	}
	return nil
}

func (tc *wsTopicConn) isClosed() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.closed
}

func (tc *wsTopicConn) readPump() {
	defer tc.shutdown()

	tc.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
	tc.conn.SetPongHandler(func(string) error {
		tc.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, frame, err := tc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Signaling relay connection lost",
					zap.String("topic", tc.topic),
					zap.Error(err))
			}
			return
		}

		tc.mu.Lock()
		for sub := range tc.subs {
			select {
			case sub.ch <- frame:
			default:
				logger.Warn("Dropping signaling frame for slow subscriber",
					zap.String("topic", tc.topic))
			}
		}
		tc.mu.Unlock()
	}
}

func (tc *wsTopicConn) pingLoop() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tc.done:
			return
		case <-ticker.C:
			tc.writeMu.Lock()
			tc.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			err := tc.conn.WriteMessage(websocket.PingMessage, nil)
			tc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (tc *wsTopicConn) shutdown() {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.closed = true
	subs := tc.subs
	tc.subs = make(map[*wsSubscription]struct{})
	tc.mu.Unlock()

	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	close(tc.done)
	tc.conn.Close()
}

func (s *wsSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *wsSubscription) Close() error {
	s.tc.mu.Lock()
	delete(s.tc.subs, s)
	s.tc.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
	return nil
}
