package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/automoto/replica/shared/netlog"
	"github.com/automoto/replica/shared/wire"
	"github.com/coder/websocket"
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateError
)

// DialTimeout bounds how long Connect waits for the WebSocket handshake.
const DialTimeout = 10 * time.Second

// Client dials a server over WebSocket and hands back a Connection.
// All shared fields are protected by mu because dialing runs on its own
// goroutine.
type Client struct {
	mu sync.RWMutex

	state     ClientState
	lastError error
	conn      *Connection

	clock Clock
	opts  Options
	log   netlog.Logger
}

func NewClient(clock Clock, opts Options) *Client {
	return &Client{
		state: StateDisconnected,
		clock: clock,
		opts:  opts,
		log:   netlog.Or(opts.Logger, netlog.PrefixNet),
	}
}

// Connect dials url in a background goroutine. Poll State until it leaves
// StateConnecting.
func (c *Client) Connect(url string) {
	c.mu.Lock()
	c.state = StateConnecting
	c.lastError = nil
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
		defer cancel()
		_, _ = c.Dial(ctx, url)
	}()
}

// Dial connects synchronously.
func (c *Client) Dial(ctx context.Context, url string) (*Connection, error) {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		err = fmt.Errorf("connection failed: %w", err)
		c.setError(err)
		return nil, err
	}
	conn := NewConnection(WrapWebSocket(ws, c.opts.MaxPayload), c.clock, c.opts)
	c.log.Info("connected to ", url)

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	return conn, nil
}

// WrapWebSocket raises the read limit to fit the largest frame and starts
// the reader.
func WrapWebSocket(ws *websocket.Conn, maxPayload int) *WebSocket {
	if maxPayload <= 0 {
		maxPayload = wire.DefaultMaxPayload
	}
	ws.SetReadLimit(int64(maxPayload + wire.HeaderSize + reliableHeaderSize + wire.HeaderSize))
	return NewWebSocket(ws)
}

// Disconnect closes the connection, if any.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Connection returns the live connection, or nil before Connect succeeds.
func (c *Client) Connection() *Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastError = err
	c.mu.Unlock()
	c.log.Error(err)
}
