package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	wsInboxSize    = 256
	wsOutboxSize   = 256
	wsWriteTimeout = 5 * time.Second
)

// ErrOutboxFull fails a websocket whose peer stopped draining its writes.
var ErrOutboxFull = errors.New("network: websocket outbox full")

// WebSocket adapts a coder/websocket connection to the Socket interface.
// A reader goroutine moves binary messages into a channel so Receive can
// poll without blocking the tick, and a writer goroutine drains a bounded
// outbox so Send never waits on the peer.
type WebSocket struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan []byte
	outbox chan []byte

	mu  sync.Mutex
	err error
}

// NewWebSocket takes ownership of conn and starts reading from it.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan []byte, wsInboxSize),
		outbox: make(chan []byte, wsOutboxSize),
	}
	go ws.readLoop()
	go ws.writeLoop()
	return ws
}

func (ws *WebSocket) readLoop() {
	defer close(ws.inbox)
	for {
		typ, data, err := ws.conn.Read(ws.ctx)
		if err != nil {
			ws.setErr(err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		select {
		case ws.inbox <- data:
		case <-ws.ctx.Done():
			return
		}
	}
}

func (ws *WebSocket) writeLoop() {
	for {
		select {
		case data := <-ws.outbox:
			ctx, cancel := context.WithTimeout(ws.ctx, wsWriteTimeout)
			err := ws.conn.Write(ctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				ws.setErr(fmt.Errorf("websocket write: %w", err))
				ws.cancel()
				return
			}
		case <-ws.ctx.Done():
			return
		}
	}
}

func (ws *WebSocket) setErr(err error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.err != nil {
		return
	}
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = ErrSocketClosed
	}
	ws.err = err
}

func (ws *WebSocket) Err() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.err
}

// Send queues data for the writer goroutine. A full outbox means the peer
// has stalled; the socket is then shut down rather than letting the caller
// wait.
func (ws *WebSocket) Send(data []byte) error {
	if ws.ctx.Err() != nil {
		if err := ws.Err(); err != nil {
			return err
		}
		return ErrSocketClosed
	}
	select {
	case ws.outbox <- data:
		return nil
	default:
		ws.setErr(ErrOutboxFull)
		ws.cancel()
		return ErrOutboxFull
	}
}

func (ws *WebSocket) Receive() ([]byte, error) {
	select {
	case data, ok := <-ws.inbox:
		if !ok {
			return nil, ws.Err()
		}
		return data, nil
	default:
		return nil, nil
	}
}

func (ws *WebSocket) Close() error {
	err := ws.conn.Close(websocket.StatusNormalClosure, "")
	ws.cancel()
	return err
}
