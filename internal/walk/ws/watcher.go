package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"walkly/internal/walk/channel"
	"walkly/internal/walk/stream"
)

// WatcherHub serves a participant's live subscription for a session.
// The feed carries stream events: session snapshots interleaved with
// location samples, completing when the session goes terminal.
// Delivery is best-effort: a disconnected watcher misses pushes and
// falls back to polling the durable history over HTTP.
type WatcherHub struct {
	upgrader websocket.Upgrader
	streamer *stream.Streamer
	channel  *channel.Channel
	sessions SessionSource
	identity Identity
	logger   Logger

	mu   sync.Mutex
	subs map[string]*watcherSub // session id + user id -> live sub
}

type watcherSub struct {
	conn   *websocket.Conn
	cancel func()
}

// NewWatcherHub creates the watcher hub.
func NewWatcherHub(streamer *stream.Streamer, ch *channel.Channel, sessions SessionSource, identity Identity, logger Logger) *WatcherHub {
	return &WatcherHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		streamer: streamer,
		channel:  ch,
		sessions: sessions,
		identity: identity,
		logger:   logger,
		subs:     make(map[string]*watcherSub),
	}
}

func subKey(sessionID string, userID int64) string {
	return fmt.Sprintf("%s/%d", sessionID, userID)
}

// ServeWS handles a watcher connection for one session. A new
// connection for the same user supersedes the old one.
func (h *WatcherHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identity(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	s, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if s.ParticipantRole(userID) == "" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("watcher ws upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.streamer.Subscribe(ctx, sessionID)
	if err != nil {
		cancel()
		_ = conn.Close()
		h.logger.Errorf("watcher stream for session %s: %v", sessionID, err)
		return
	}

	key := subKey(sessionID, userID)
	h.mu.Lock()
	if old, exists := h.subs[key]; exists {
		old.cancel()
		_ = old.conn.Close()
	}
	h.subs[key] = &watcherSub{conn: conn, cancel: cancel}
	h.mu.Unlock()

	h.logger.Infof("watcher %d joined session %s", userID, sessionID)

	// replay the last known position before the write loop starts so a
	// rejoining watcher is not blind until the next emit
	if last, ok := h.channel.Latest(sessionID); ok {
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = conn.WriteJSON(stream.Event{Sample: &last})
	}

	go h.writeLoop(key, conn, events)
	go h.readLoop(key, conn)
}

func (h *WatcherHub) writeLoop(key string, conn *websocket.Conn, events <-chan stream.Event) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer h.drop(key, conn)

	for {
		select {
		case e, open := <-events:
			if !open {
				// stream complete; close cleanly
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WatcherHub) readLoop(key string, conn *websocket.Conn) {
	defer h.drop(key, conn)
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

func (h *WatcherHub) drop(key string, conn *websocket.Conn) {
	_ = conn.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[key]; ok && cur.conn == conn {
		cur.cancel()
		delete(h.subs, key)
	}
}
