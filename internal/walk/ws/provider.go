package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"walkly/internal/walk/channel"
	"walkly/internal/walk/fsm"
	"walkly/internal/walk/geo"
	"walkly/internal/walk/repo"
	"walkly/internal/walk/sampler"
)

// ProviderHub ingests raw position fixes from the walking provider.
// Each connection owns its own sampler: the sampler is the sole
// producer for its session and keeps unsynchronized state.
type ProviderHub struct {
	upgrader   websocket.Upgrader
	channel    *channel.Channel
	locator    *geo.ProviderLocator
	sessions   SessionSource
	identity   Identity
	samplerCfg sampler.Config
	reconnect  channel.ReconnectPolicy
	logger     Logger

	mu    sync.Mutex
	conns map[string]*syncConn // session id -> active provider conn
}

// NewProviderHub creates the provider ingest hub. reconnect is the
// policy handed to clients in the hello frame.
func NewProviderHub(ch *channel.Channel, locator *geo.ProviderLocator, sessions SessionSource, identity Identity, samplerCfg sampler.Config, reconnect channel.ReconnectPolicy, logger Logger) *ProviderHub {
	return &ProviderHub{
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		channel:    ch,
		locator:    locator,
		sessions:   sessions,
		identity:   identity,
		samplerCfg: samplerCfg,
		reconnect:  reconnect,
		logger:     logger,
		conns:      make(map[string]*syncConn),
	}
}

// fixAck tells the provider's UI what happened to each fix. Rejected
// and deferred fixes are status, never errors.
type fixAck struct {
	Type     string `json:"type"`
	Decision string `json:"decision"`
}

// helloFrame opens every provider stream. It tells the client how to
// behave when the socket drops: settle before redialing, space the
// attempts out, and give up after MaxAttempts until a manual retry.
type helloFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Reconnect reconnectFrame `json:"reconnect"`
}

type reconnectFrame struct {
	SettleDelayMs int64 `json:"settle_delay_ms"`
	MinIntervalMs int64 `json:"min_interval_ms"`
	MaxBackoffMs  int64 `json:"max_backoff_ms"`
	MaxAttempts   int   `json:"max_attempts"`
}

func (h *ProviderHub) hello(sessionID string) helloFrame {
	return helloFrame{
		Type:      "hello",
		SessionID: sessionID,
		Reconnect: reconnectFrame{
			SettleDelayMs: h.reconnect.SettleDelay.Milliseconds(),
			MinIntervalMs: h.reconnect.MinInterval.Milliseconds(),
			MaxBackoffMs:  h.reconnect.MaxBackoff.Milliseconds(),
			MaxAttempts:   h.reconnect.MaxAttempts,
		},
	}
}

// ServeWS handles a provider connection for one session.
func (h *ProviderHub) ServeWS(w http.ResponseWriter, r *http.Request) {
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
	if s.ParticipantRole(userID) != fsm.RoleProvider {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.State != fsm.StateActive && s.State != fsm.StateCancellationRequested {
		http.Error(w, "walk is not underway", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("provider ws upgrade failed: %v", err)
		return
	}
	sc := &syncConn{conn: conn}

	h.mu.Lock()
	if old, exists := h.conns[sessionID]; exists && old != sc {
		_ = old.close()
	}
	h.conns[sessionID] = sc
	h.mu.Unlock()

	h.logger.Infof("provider %d streaming session %s", userID, sessionID)
	if err := sc.writeJSON(h.hello(sessionID)); err != nil {
		h.logger.Errorf("provider hello for session %s: %v", sessionID, err)
	}
	go h.readLoop(sessionID, sc)
	go h.pingLoop(sessionID, sc)
}

func (h *ProviderHub) readLoop(sessionID string, sc *syncConn) {
	defer func() {
		_ = sc.close()
		h.mu.Lock()
		if cur, ok := h.conns[sessionID]; ok && cur == sc {
			delete(h.conns, sessionID)
		}
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := h.locator.Clear(ctx, sessionID); err != nil {
			h.logger.Errorf("clear live position for session %s: %v", sessionID, err)
		}
		cancel()
		h.logger.Infof("provider disconnected from session %s", sessionID)
	}()

	conn := sc.conn
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	sm := sampler.New(h.samplerCfg)
	for {
		var fix sampler.Fix
		if err := conn.ReadJSON(&fix); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		if fix.CapturedAt.IsZero() {
			fix.CapturedAt = time.Now()
		}

		decision := sm.Observe(fix)
		if decision.Emitted() {
			h.deliver(sessionID, fix, decision, sm.Moving(fix))
		}

		if err := sc.writeJSON(fixAck{Type: "fix_ack", Decision: string(decision)}); err != nil {
			return
		}
	}
}

func (h *ProviderHub) deliver(sessionID string, fix sampler.Fix, decision sampler.Decision, moving bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := repo.Sample{
		SessionID:      sessionID,
		Lat:            fix.Lat,
		Lng:            fix.Lng,
		AccuracyMeters: fix.AccuracyMeters,
		SpeedMps:       fix.SpeedMps,
		Fallback:       decision == sampler.EmitFallback,
		CapturedAt:     fix.CapturedAt,
	}
	if err := h.channel.Publish(ctx, s, moving); err != nil {
		// at-least-once: the channel already logged; the next emit
		// carries the position forward
		return
	}
	if err := h.locator.Update(ctx, sessionID, fix.Lng, fix.Lat, fix.CapturedAt); err != nil {
		h.logger.Errorf("update live position for session %s: %v", sessionID, err)
	}
}

func (h *ProviderHub) pingLoop(sessionID string, sc *syncConn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for range t.C {
		if err := sc.writePing(); err != nil {
			_ = sc.close()
			return
		}
	}
}
