package crosstab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultReconnectMin = 250 * time.Millisecond
	defaultReconnectMax = 10 * time.Second
	defaultDialTimeout  = 5 * time.Second
	wsPollInterval      = 10 * time.Millisecond
	wsReadLimit         = 1 << 20
)

type WebSocketOptions struct {
	Token        string
	Logger       Logger
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// DialTimeout bounds how long Subscribe and Publish wait for a channel's
	// connection to come up.
	DialTimeout time.Duration
}

// WebSocketTransport talks to a relay hub with one connection per topic,
// reconnecting with doubling delays when a connection drops. The hub never
// echoes a message back to the connection that sent it.
type WebSocketTransport struct {
	base *url.URL
	opts WebSocketOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*wsChannel
	closed   bool
}

type wsChannel struct {
	transport *WebSocketTransport
	topic     string

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   int
	handlers map[int]func([]byte)
}

func NewWebSocketTransport(baseURL string, opts WebSocketOptions) (*WebSocketTransport, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: websocket url must use ws or wss, got %q", ErrInvalidInput, parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: websocket url has no host", ErrInvalidInput)
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketTransport{
		base:     parsed,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		channels: map[string]*wsChannel{},
	}, nil
}

func (t *WebSocketTransport) Publish(ctx context.Context, topic string, data []byte) error {
	ch, err := t.channel(topic)
	if err != nil {
		return err
	}
	conn, err := ch.waitConn(ctx, t.opts.DialTimeout)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WebSocketTransport) Subscribe(topic string, fn func([]byte)) (func(), error) {
	if fn == nil {
		return nil, ErrInvalidInput
	}
	ch, err := t.channel(topic)
	if err != nil {
		return nil, err
	}
	if _, err := ch.waitConn(t.ctx, t.opts.DialTimeout); err != nil {
		return nil, err
	}
	ch.mu.Lock()
	ch.nextID++
	id := ch.nextID
	ch.handlers[id] = fn
	ch.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			ch.mu.Lock()
			delete(ch.handlers, id)
			ch.mu.Unlock()
		})
	}, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// Cancelling the shared context ends every read loop, which tears down
	// its connection.
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *WebSocketTransport) channel(topic string) (*wsChannel, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if ch, ok := t.channels[topic]; ok {
		return ch, nil
	}
	ch := &wsChannel{
		transport: t,
		topic:     topic,
		handlers:  map[int]func([]byte){},
	}
	t.channels[topic] = ch
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ch.run(t.ctx)
	}()
	return ch, nil
}

func (t *WebSocketTransport) channelURL(topic string) string {
	u := *t.base
	base := strings.TrimRight(u.Path, "/")
	u.Path = base + "/channels/" + topic
	u.RawPath = base + "/channels/" + url.PathEscape(topic)
	return u.String()
}

func (t *WebSocketTransport) dial(ctx context.Context, topic string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	header := http.Header{}
	if token := strings.TrimSpace(t.opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, t.channelURL(topic), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

func (c *wsChannel) run(ctx context.Context) {
	delay := c.transport.opts.ReconnectMin
	for ctx.Err() == nil {
		conn, err := c.transport.dial(ctx, c.topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logf(c.transport.opts.Logger, "relay connect for %s failed, retrying in %s: %v", c.topic, delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.transport.opts.ReconnectMax {
				delay = c.transport.opts.ReconnectMax
			}
			continue
		}
		delay = c.transport.opts.ReconnectMin
		c.setConn(conn)
		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
		if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			logf(c.transport.opts.Logger, "relay connection for %s dropped: %v", c.topic, err)
		}
	}
}

func (c *wsChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		handlers := make([]func([]byte), 0, len(c.handlers))
		for _, fn := range c.handlers {
			handlers = append(handlers, fn)
		}
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(data)
		}
	}
}

func (c *wsChannel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *wsChannel) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *wsChannel) waitConn(ctx context.Context, timeout time.Duration) (*websocket.Conn, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if conn := c.current(); conn != nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.New("relay connection for " + c.topic + " not established")
		case <-time.After(wsPollInterval):
		}
	}
}
