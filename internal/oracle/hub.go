// Package oracle — WebSocket feed hub reporters attach to. Dispatched
// queries are pushed over the reporter's session; answers come back through
// the authenticated HTTP answer endpoint.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openperp/perp-engine/internal/metrics"
)

// ErrReporterOffline is returned when a query is dispatched to a reporter
// with no live session. Consensus tolerates this: quorum needs only
// MinAnswers reporters to be reachable.
var ErrReporterOffline = errors.New("oracle: reporter not connected")

// frame is one outbound websocket message.
type frame struct {
	messageType int
	data        []byte
}

// session is one reporter connection. The write pump is the only goroutine
// writing to conn; everything outbound goes through send.
type session struct {
	reporter string
	conn     *websocket.Conn
	send     chan frame
	done     chan struct{} // closed by the hub when the session is retired
}

func newSession(reporter string, conn *websocket.Conn) *session {
	return &session{
		reporter: reporter,
		conn:     conn,
		send:     make(chan frame, 16),
		done:     make(chan struct{}),
	}
}

// retire signals the session's pumps to exit and closes the connection.
// Called only from the hub's Run loop, at most once per session.
func (s *session) retire() {
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
}

// FeedHub manages reporter WebSocket sessions and implements Transport.
// A reporter identifies itself with the `reporter` query parameter on
// connect; a reconnect replaces the previous session.
type FeedHub struct {
	mu         sync.RWMutex
	sessions   map[string]*session
	register   chan *session
	unregister chan *session
}

// NewFeedHub creates a new reporter feed hub.
func NewFeedHub() *FeedHub {
	return &FeedHub{
		sessions:   make(map[string]*session),
		register:   make(chan *session),
		unregister: make(chan *session),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *FeedHub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			if old, ok := h.sessions[s.reporter]; ok {
				old.retire()
			}
			h.sessions[s.reporter] = s
			total := len(h.sessions)
			h.mu.Unlock()
			metrics.ConnectedReporters.Set(float64(total))
			slog.Info("reporter connected", "reporter", s.reporter, "total", total)

		case s := <-h.unregister:
			h.mu.Lock()
			if live, ok := h.sessions[s.reporter]; ok && live == s {
				delete(h.sessions, s.reporter)
				s.retire()
			}
			total := len(h.sessions)
			h.mu.Unlock()
			metrics.ConnectedReporters.Set(float64(total))
		}
	}
}

// Dispatch queues one query frame for the addressed reporter's write pump.
// A full queue counts as offline: a reporter that cannot drain 16 frames is
// not going to answer in time either.
func (h *FeedHub) Dispatch(_ context.Context, q Query) error {
	h.mu.RLock()
	s, ok := h.sessions[q.Reporter]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrReporterOffline, q.Reporter)
	}

	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	select {
	case s.send <- frame{messageType: websocket.TextMessage, data: data}:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrReporterOffline, q.Reporter)
	default:
		return fmt.Errorf("%w: %s (send queue full)", ErrReporterOffline, q.Reporter)
	}
}

// Connected reports whether a reporter currently holds a session.
func (h *FeedHub) Connected(reporter string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[reporter]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // reporters authenticate by registered identity, not origin
	},
}

// HandleWS handles reporter WebSocket upgrade requests at GET /oracle/feed.
func (h *FeedHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	reporter := r.URL.Query().Get("reporter")
	if reporter == "" {
		http.Error(w, "missing reporter id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	s := newSession(reporter, conn)
	h.register <- s

	// Read pump: keep the session alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- s }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Write pump: serializes dispatched queries and keepalive pings onto
	// the connection, which allows at most one concurrent writer.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case f := <-s.send:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(f.messageType, f.data); err != nil {
					h.unregister <- s
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					h.unregister <- s
					return
				}
			case <-s.done:
				return
			}
		}
	}()
}
