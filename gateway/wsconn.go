package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/livesync/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// wsConn adapts a gorilla websocket connection to registry.Conn. Sends are
// queued on a bounded channel drained by a single writer goroutine (gorilla
// permits one concurrent writer). A full queue means the consumer cannot
// keep up, so Send reports failure and the registry releases the session.
type wsConn struct {
	ws         *websocket.Conn
	out        chan registry.ServerMessage
	done       chan struct{}
	onOverflow func()

	mu     sync.Mutex
	closed bool
}

// newWSConn wraps ws. onOverflow, if non-nil, fires once per dropped
// connection when the outbound queue fills.
func newWSConn(ws *websocket.Conn, queueSize int, onOverflow func()) *wsConn {
	c := &wsConn{
		ws:         ws,
		out:        make(chan registry.ServerMessage, queueSize),
		done:       make(chan struct{}),
		onOverflow: onOverflow,
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// Send enqueues msg for delivery. It never blocks: a closed connection or
// a full queue returns false.
func (c *wsConn) Send(msg registry.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	default:
		// Queue overflow. Drop the connection rather than block the
		// fan-out path or buffer without bound.
		if c.onOverflow != nil {
			c.onOverflow()
		}
		c.Close()
		return false
	}
}

// Close shuts the connection down. Safe to call more than once and from
// any goroutine.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.ws.Close()
}

// writeLoop is the single writer. It drains the outbound queue and keeps
// the connection alive with periodic pings; any write error tears the
// connection down.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush nothing further; the peer is gone or going.
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
