package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedWriteWait = 10 * time.Second
	feedSendQueue = 64
)

// feedHub fans recorded envelopes out to every connected WebSocket client.
//
// A single hub goroutine owns the connection set; registration,
// unregistration and broadcasts all arrive over channels.
type feedHub struct {
	connections map[*feedConn]bool

	broadcastCh  chan []byte
	registerCh   chan *feedConn
	unregisterCh chan *feedConn
	done         chan struct{}
}

type feedConn struct {
	conn *websocket.Conn
	send chan []byte
}

// The API binds to loopback by default and the feed carries envelopes
// only, never plaintext.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFeedHub() *feedHub {
	return &feedHub{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
		done:         make(chan struct{}),
	}
}

// run is the hub event loop. Returns after stop.
func (h *feedHub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.connections[c] = true
			slog.Debug("feed client connected", "total", len(h.connections))

		case c := <-h.unregisterCh:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
				slog.Debug("feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					// Slow client: drop it rather than stall the feed.
					delete(h.connections, c)
					close(c.send)
					slog.Warn("feed client too slow, disconnected")
				}
			}

		case <-h.done:
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			return
		}
	}
}

// broadcast queues msg for every client. Drops it if the hub is backed up.
func (h *feedHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		slog.Warn("feed backlog full, dropping entry")
	}
}

func (h *feedHub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *feedHub) register(c *feedConn) bool {
	select {
	case h.registerCh <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *feedHub) unregister(c *feedConn) {
	select {
	case h.unregisterCh <- c:
	case <-h.done:
	}
}

// handleFeed upgrades to WebSocket and streams every new envelope as a
// JSON text message.
func (h *feedHub) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedConn{conn: conn, send: make(chan []byte, feedSendQueue)}
	if !h.register(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

func (c *feedConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readPump only detects disconnection; the feed is server to client.
func (c *feedConn) readPump(h *feedHub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
