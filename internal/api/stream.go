package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"authguard/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxReadBytes = 4096
)

// streamClient is one websocket viewer. Updates are queued without blocking
// the publisher; when the queue is full the update is dropped, and so is any
// update older than one already queued.
type streamClient struct {
	conn    *websocket.Conn
	send    chan []byte
	gone    chan struct{}
	dropped atomic.Int64

	mu      sync.Mutex
	lastSeq uint64
}

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := s.cfg.Get().Notify.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
		},
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	cfg := s.cfg.Get().Notify
	client := &streamClient{conn: conn, send: make(chan []byte, cfg.ClientBuffer), gone: make(chan struct{})}

	initial := model.Update{
		Reason:         "snapshot",
		At:             time.Now().UTC(),
		Stats:          s.engine.Stats(),
		RecentEvents:   s.engine.RecentEvents(cfg.RecentEvents),
		ActiveAlerts:   s.engine.ActiveAlerts(),
		ActiveSessions: s.engine.ActiveSessions(),
	}
	client.enqueue(initial, cfg.RecentEvents)
	unsubscribe := s.engine.Subscribe(func(u model.Update) error {
		client.enqueue(u, cfg.RecentEvents)
		return nil
	})
	s.logger.Debug("stream client connected", "remote_addr", r.RemoteAddr)

	go client.readPump()
	client.writePump(s.done)

	unsubscribe()
	_ = conn.Close()
	s.logger.Debug("stream client disconnected", "remote_addr", r.RemoteAddr, "dropped", client.dropped.Load())
}

func (c *streamClient) enqueue(u model.Update, recent int) {
	if recent > 0 && len(u.RecentEvents) > recent {
		u.RecentEvents = u.RecentEvents[:recent]
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Seq != 0 {
		if u.Seq <= c.lastSeq {
			c.dropped.Add(1)
			return
		}
		c.lastSeq = u.Seq
	}
	select {
	case c.send <- payload:
	default:
		c.dropped.Add(1)
	}
}

// readPump discards client messages. It closes gone when the peer goes
// away, which stops writePump.
func (c *streamClient) readPump() {
	defer close(c.gone)
	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.gone:
			return
		case <-done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
