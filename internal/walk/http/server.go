package walkhttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"walkly/internal/walk/channel"
	"walkly/internal/walk/fsm"
	"walkly/internal/walk/geo"
	"walkly/internal/walk/lifecycle"
	"walkly/internal/walk/media"
	"walkly/internal/walk/rating"
	"walkly/internal/walk/repo"
	"walkly/internal/walk/timeutil"
	"walkly/internal/walk/ws"
)

const maxPhotoBytes = 10 << 20

// Logger is the minimal logging surface for the server.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TokenStore registers push tokens. Absent when FCM is not configured.
type TokenStore interface {
	RegisterToken(ctx context.Context, userID int64, token string) error
	DropToken(ctx context.Context, token string) error
}

// ServerDeps carries the collaborators the server handles requests with.
type ServerDeps struct {
	Logger        Logger
	Coordinator   *lifecycle.Coordinator
	Sessions      *repo.SessionsRepo
	Samples       *repo.SamplesRepo
	Ratings       *rating.Service
	Locator       *geo.ProviderLocator
	Live          *channel.Channel
	ProviderHub   *ws.ProviderHub
	WatcherHub    *ws.WatcherHub
	Storage       media.Storage
	Tokens        TokenStore
	Identity      ws.Identity
	PaymentSecret string
	HistoryLimit  int
}

// Server handles HTTP endpoints for the walk module.
type Server struct {
	d ServerDeps
}

// NewServer constructs Server.
func NewServer(d ServerDeps) *Server {
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = 500
	}
	return &Server{d: d}
}

// RegisterRoutes registers routes on mux. Everything except the payment
// webhook runs behind the auth chain.
func (s *Server) RegisterRoutes(mux *pat.PatternServeMux, base, auth alice.Chain) {
	mux.Post("/walks", auth.ThenFunc(s.createWalk))
	mux.Get("/walks", auth.ThenFunc(s.listWalks))
	mux.Get("/walks/:id", auth.ThenFunc(s.getWalk))
	mux.Post("/walks/:id/respond", auth.ThenFunc(s.respond))
	mux.Post("/walks/:id/start", auth.ThenFunc(s.start))
	mux.Post("/walks/:id/complete", auth.ThenFunc(s.complete))
	mux.Post("/walks/:id/cancellation", auth.ThenFunc(s.requestCancellation))
	mux.Post("/walks/:id/cancellation/resolve", auth.ThenFunc(s.resolveCancellation))
	mux.Post("/walks/:id/force_cancel", auth.ThenFunc(s.forceCancel))
	mux.Post("/walks/:id/photos", auth.ThenFunc(s.uploadPhoto))
	mux.Post("/walks/:id/rating", auth.ThenFunc(s.rateWalk))
	mux.Get("/walks/:id/track", auth.ThenFunc(s.track))
	mux.Post("/payments/callback", base.ThenFunc(s.paymentCallback))
	mux.Post("/push/tokens", auth.ThenFunc(s.registerToken))
	mux.Del("/push/tokens/:token", auth.ThenFunc(s.dropToken))
	mux.Get("/walks/ws/provider", auth.ThenFunc(s.providerWS))
	mux.Get("/walks/ws/watch", auth.ThenFunc(s.watcherWS))
}

type outcomeBody struct {
	Code        string  `json:"code"`
	Reason      string  `json:"reason,omitempty"`
	WaitSeconds float64 `json:"wait_seconds,omitempty"`
}

type sessionEnvelope struct {
	Session lifecycle.Session `json:"session"`
	Outcome outcomeBody       `json:"outcome"`
}

// writeOutcome renders the coordinator's result. Business denials are
// conflict-class statuses, not server errors.
func writeOutcome(w http.ResponseWriter, session lifecycle.Session, out lifecycle.Outcome) {
	status := http.StatusOK
	switch out.Code {
	case lifecycle.TransitionDenied:
		status = http.StatusConflict
	case lifecycle.TooEarly:
		status = http.StatusConflict
	case lifecycle.PreconditionFailed:
		status = http.StatusUnprocessableEntity
	}
	body := sessionEnvelope{
		Session: session,
		Outcome: outcomeBody{Code: string(out.Code), Reason: out.Reason},
	}
	if out.Wait > 0 {
		body.Outcome.WaitSeconds = out.Wait.Seconds()
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func contextWithTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}

// loadForParticipant resolves the session and the caller's role in it.
// Non-participants get 403, which never leaks whether the id exists to
// someone who guessed it (404 only for authenticated participants'
// stale ids).
func (s *Server) loadForParticipant(w http.ResponseWriter, r *http.Request) (lifecycle.Session, string, bool) {
	userID, ok := s.d.Identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return lifecycle.Session{}, "", false
	}
	id := r.URL.Query().Get(":id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "walk id is required")
		return lifecycle.Session{}, "", false
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, err := s.d.Coordinator.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "walk not found")
		} else {
			s.d.Logger.Errorf("load walk %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "load walk failed")
		}
		return lifecycle.Session{}, "", false
	}
	role := session.ParticipantRole(userID)
	if role == "" {
		writeError(w, http.StatusForbidden, "not a participant of this walk")
		return lifecycle.Session{}, "", false
	}
	return session, role, true
}

type createWalkPayload struct {
	ProviderID      int64     `json:"provider_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (s *Server) createWalk(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.d.Identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var p createWalkPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if p.ProviderID <= 0 {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.Create(ctx, userID, p.ProviderID, p.ScheduledAt, p.DurationMinutes)
	if err != nil {
		s.d.Logger.Errorf("create walk: %v", err)
		writeError(w, http.StatusInternalServerError, "create walk failed")
		return
	}
	if out.Code != lifecycle.OK {
		writeOutcome(w, session, out)
		return
	}
	writeJSON(w, http.StatusCreated, sessionEnvelope{Session: session, Outcome: outcomeBody{Code: string(out.Code)}})
}

func (s *Server) listWalks(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.d.Identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	sessions, err := s.d.Sessions.ListForUser(ctx, userID, 50)
	if err != nil {
		s.d.Logger.Errorf("list walks for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "list walks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"walks": sessions})
}

func (s *Server) getWalk(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

type respondPayload struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request) {
	session, role, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	var p respondPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.Respond(ctx, session.ID, role, p.Accept, strings.TrimSpace(p.Reason))
	if err != nil {
		s.d.Logger.Errorf("respond to walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "respond failed")
		return
	}
	if session.Terminal() {
		s.d.Live.Close(session.ID)
	}
	writeOutcome(w, session, out)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	session, role, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.Start(ctx, session.ID, role)
	if err != nil {
		s.d.Logger.Errorf("start walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "start failed")
		return
	}
	writeOutcome(w, session, out)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	session, role, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.Complete(ctx, session.ID, role)
	if err != nil {
		s.d.Logger.Errorf("complete walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "complete failed")
		return
	}
	if out.Code == lifecycle.OK {
		s.finishLocation(session.ID)
	}
	writeOutcome(w, session, out)
}

type cancellationPayload struct {
	Reason string `json:"reason"`
}

func (s *Server) requestCancellation(w http.ResponseWriter, r *http.Request) {
	session, role, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	var p cancellationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.RequestCancellation(ctx, session.ID, role, strings.TrimSpace(p.Reason))
	if err != nil {
		s.d.Logger.Errorf("request cancellation of walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "cancellation request failed")
		return
	}
	writeOutcome(w, session, out)
}

type resolvePayload struct {
	Accept bool `json:"accept"`
}

func (s *Server) resolveCancellation(w http.ResponseWriter, r *http.Request) {
	session, role, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	var p resolvePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.ResolveCancellation(ctx, session.ID, role, p.Accept)
	if err != nil {
		s.d.Logger.Errorf("resolve cancellation of walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "cancellation resolve failed")
		return
	}
	if out.Code == lifecycle.OK && session.Terminal() {
		s.finishLocation(session.ID)
	}
	writeOutcome(w, session, out)
}

type forceCancelPayload struct {
	ReasonCode string `json:"reason_code"`
}

func (s *Server) forceCancel(w http.ResponseWriter, r *http.Request) {
	session, role, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	if role != fsm.RoleProvider {
		writeError(w, http.StatusForbidden, "only the walker may force-cancel")
		return
	}
	var p forceCancelPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.ForceCancelByProvider(ctx, session.ID, strings.TrimSpace(p.ReasonCode))
	if err != nil {
		s.d.Logger.Errorf("force-cancel walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "force cancel failed")
		return
	}
	if out.Code == lifecycle.OK {
		s.finishLocation(session.ID)
	}
	writeOutcome(w, session, out)
}

// finishLocation tears down the live track and the last-known position
// once the session is over.
func (s *Server) finishLocation(sessionID string) {
	s.d.Live.Close(sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.d.Locator.Clear(ctx, sessionID); err != nil {
		s.d.Logger.Errorf("clear position of walk %s: %v", sessionID, err)
	}
}

func (s *Server) uploadPhoto(w http.ResponseWriter, r *http.Request) {
	session, role, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	if role != fsm.RoleProvider {
		writeError(w, http.StatusForbidden, "only the walker may attach photos")
		return
	}
	if s.d.Storage == nil {
		writeError(w, http.StatusServiceUnavailable, "photo storage is not configured")
		return
	}
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "photo file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxPhotoBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read photo failed")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	url, err := s.d.Storage.Upload(data, contentType, "walks/"+session.ID)
	if err != nil {
		s.d.Logger.Errorf("upload photo for walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "photo upload failed")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.AttachPhoto(ctx, session.ID, url)
	if err != nil {
		s.d.Logger.Errorf("attach photo to walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "attach photo failed")
		return
	}
	writeOutcome(w, session, out)
}

type ratingPayload struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

func (s *Server) rateWalk(w http.ResponseWriter, r *http.Request) {
	session, role, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	if role != fsm.RoleRequester {
		writeError(w, http.StatusForbidden, "only the owner may rate the walk")
		return
	}
	if session.State != fsm.StateCompleted {
		writeError(w, http.StatusConflict, "only completed walks can be rated")
		return
	}
	var p ratingPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	summary, err := s.d.Ratings.Record(ctx, session.ID, session.ProviderID, session.RequesterID, p.Score, strings.TrimSpace(p.Comment))
	if err != nil {
		if errors.Is(err, rating.ErrInvalidScore) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.d.Logger.Errorf("rate walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "rating failed")
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

type trackResponse struct {
	Session  lifecycle.Session `json:"session"`
	Samples  []repo.Sample     `json:"samples"`
	Live     *repo.Sample      `json:"live,omitempty"`
	Position *geo.Position     `json:"position,omitempty"`
	StaleFor float64           `json:"stale_for_seconds,omitempty"`
	Degraded bool              `json:"degraded"`
}

func (s *Server) track(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.loadForParticipant(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	samples, err := s.d.Samples.ListBySession(ctx, session.ID)
	if err != nil {
		s.d.Logger.Errorf("load track of walk %s: %v", session.ID, err)
		writeError(w, http.StatusInternalServerError, "load track failed")
		return
	}
	if len(samples) > s.d.HistoryLimit {
		samples = samples[len(samples)-s.d.HistoryLimit:]
	}

	resp := trackResponse{Session: session, Samples: samples, Degraded: s.d.Live.Degraded(session.ID)}
	if last, ok := s.d.Live.Latest(session.ID); ok {
		resp.Live = &last
	}
	if pos, found, err := s.d.Locator.LastPosition(ctx, session.ID); err == nil && found {
		resp.Position = &pos
	}
	if age, stale := s.d.Live.StaleSince(session.ID, timeutil.Now()); stale {
		resp.StaleFor = age.Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

type paymentCallbackPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// paymentCallback is the payment collaborator's webhook. Anything but a
// settled payment is acknowledged and ignored; replays are absorbed by
// the coordinator's idempotence.
func (s *Server) paymentCallback(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Payment-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.d.PaymentSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var p paymentCallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if p.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if p.Status != "paid" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	session, out, err := s.d.Coordinator.OnPaymentConfirmed(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "walk not found")
			return
		}
		s.d.Logger.Errorf("payment confirmation for walk %s: %v", p.SessionID, err)
		writeError(w, http.StatusInternalServerError, "payment confirmation failed")
		return
	}
	writeOutcome(w, session, out)
}

type tokenPayload struct {
	Token string `json:"token"`
}

func (s *Server) registerToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.d.Identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.d.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	var p tokenPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || strings.TrimSpace(p.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := s.d.Tokens.RegisterToken(ctx, userID, strings.TrimSpace(p.Token)); err != nil {
		s.d.Logger.Errorf("register push token for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "register token failed")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) dropToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.d.Identity(r); !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.d.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	token := r.URL.Query().Get(":token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := s.d.Tokens.DropToken(ctx, token); err != nil {
		s.d.Logger.Errorf("drop push token: %v", err)
		writeError(w, http.StatusInternalServerError, "drop token failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) providerWS(w http.ResponseWriter, r *http.Request) {
	s.d.ProviderHub.ServeWS(w, r)
}

func (s *Server) watcherWS(w http.ResponseWriter, r *http.Request) {
	s.d.WatcherHub.ServeWS(w, r)
}
