package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/ideaflow/internal/persist"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// LiveMessage is the JSON text frame sent to WebSocket clients: the complete
// idea list after the latest accepted batch.
type LiveMessage struct {
	Item  string   `json:"item"`
	Ideas []string `json:"ideas"`
	Total int      `json:"total"`
}

// Live broadcasts idea snapshots to WebSocket clients. It is a
// [persist.Persister], so it receives every accepted batch like any store.
// New clients get the latest snapshot immediately. A slow client only ever
// holds the newest snapshot; older ones are replaced.
type Live struct {
	item     string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	last    []byte
	closed  bool
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

var (
	_ persist.Persister = (*Live)(nil)
	_ http.Handler      = (*Live)(nil)
)

// NewLive returns a hub reporting ideas for item.
func NewLive(item string) *Live {
	l := &Live{
		item:    item,
		clients: make(map[*liveClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  512,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	l.last = l.encode(nil)
	return l
}

// Name implements [persist.Named].
func (l *Live) Name() string { return "live" }

// Clients returns the number of connected clients.
func (l *Live) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Persist broadcasts ideas to every connected client.
func (l *Live) Persist(_ context.Context, ideas []string) error {
	msg := l.encode(ideas)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = msg
	for c := range l.clients {
		c.offer(msg)
	}
	return nil
}

func (l *Live) encode(ideas []string) []byte {
	if ideas == nil {
		ideas = []string{}
	}
	msg, _ := json.Marshal(LiveMessage{Item: l.item, Ideas: ideas, Total: len(ideas)})
	return msg
}

// ServeHTTP upgrades the request and streams snapshots until the client goes
// away or the hub is closed.
func (l *Live) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("feed: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &liveClient{conn: conn, send: make(chan []byte, 1), done: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	l.clients[c] = struct{}{}
	c.offer(l.last)
	n := len(l.clients)
	l.mu.Unlock()
	slog.Info("feed: live client connected", "remote", r.RemoteAddr, "clients", n)

	go c.readPump()
	c.writePump()

	l.mu.Lock()
	delete(l.clients, c)
	l.mu.Unlock()
	conn.Close()
	slog.Info("feed: live client disconnected", "remote", r.RemoteAddr)
}

// Close disconnects every client and rejects new ones.
func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for c := range l.clients {
		c.stop()
	}
	return nil
}

// offer queues msg, replacing a snapshot the client has not taken yet.
// Callers hold the hub lock.
func (c *liveClient) offer(msg []byte) {
	select {
	case c.send <- msg:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *liveClient) stop() {
	c.once.Do(func() { close(c.done) })
}

// readPump discards client frames and notices when the peer goes away.
func (c *liveClient) readPump() {
	defer c.stop()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("feed: live client read failed", "err", err)
			}
			return
		}
	}
}

func (c *liveClient) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				slog.Debug("feed: live client write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *liveClient) write(kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("feed: set write deadline: %w", err)
	}
	return c.conn.WriteMessage(kind, data)
}
