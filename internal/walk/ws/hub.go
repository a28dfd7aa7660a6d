package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"walkly/internal/walk/lifecycle"
)

// Logger is shared between hubs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// SessionSource resolves sessions for connection authorization. Both
// hubs only ever check the caller against the session's two
// participant ids.
type SessionSource interface {
	Get(ctx context.Context, id string) (lifecycle.Session, error)
}

// Identity resolves the authenticated user for a request. Wired to the
// JWT middleware; the hubs trust it.
type Identity func(r *http.Request) (int64, bool)

const (
	readLimit     = 4096
	readDeadline  = 90 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// syncConn serializes writes to a connection. gorilla/websocket allows
// at most one concurrent writer, and the provider hub writes from both
// the ack path and the ping ticker.
type syncConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (sc *syncConn) writeJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return sc.conn.WriteJSON(v)
}

func (sc *syncConn) writePing() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return sc.conn.WriteMessage(websocket.PingMessage, nil)
}

func (sc *syncConn) close() error {
	return sc.conn.Close()
}
