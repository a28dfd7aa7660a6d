package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"walkly/internal/walk/fsm"
)

// ErrStaleState is returned by Store.Update when the conditional write
// found the session in a different state than expected.
var ErrStaleState = errors.New("session state changed concurrently")

// Store is the durable session record. Update is a compare-and-set on
// the session's previous state: concurrent movers race safely and the
// loser gets ErrStaleState.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, s Session, fromState string) error
	AppendPhoto(ctx context.Context, id, url string) error
}

// Notifier delivers domain events to a participant. Delivery is a
// collaborator concern; failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, userID int64, event string, payload map[string]string) error
}

// Logger is the minimal logging surface required by the coordinator.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Notification event names.
const (
	EventAccepted              = "walk_accepted"
	EventRejected              = "walk_rejected"
	EventStarted               = "walk_started"
	EventCompleted             = "walk_completed"
	EventCancellationRequested = "cancellation_requested"
	EventCancellationResolved  = "cancellation_resolved"
	EventForceCancelled        = "walk_force_cancelled"
)

// Coordinator orchestrates the walk session lifecycle. All state
// mutations go through the fsm first and are serialized per session by
// a lock here plus the store's conditional update.
type Coordinator struct {
	store    Store
	notifier Notifier
	logger   Logger
	cfg      Config
	now      func() time.Time

	locks sync.Map // session id -> *sync.Mutex
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(store Store, notifier Notifier, logger Logger, cfg Config) *Coordinator {
	if cfg.MinActiveBeforeCancel <= 0 {
		cfg.MinActiveBeforeCancel = DefaultConfig().MinActiveBeforeCancel
	}
	if cfg.ForceCancelReasons == nil {
		cfg.ForceCancelReasons = DefaultConfig().ForceCancelReasons
	}
	return &Coordinator{
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) lockFor(id string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (c *Coordinator) notify(ctx context.Context, userID int64, event string, payload map[string]string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, userID, event, payload); err != nil {
		c.logger.Errorf("notify %s to user %d: %v", event, userID, err)
	}
}

// Create books a new session in pending_acceptance.
func (c *Coordinator) Create(ctx context.Context, requesterID, providerID int64, scheduledAt time.Time, durationMinutes int) (Session, Outcome, error) {
	if requesterID <= 0 || providerID <= 0 {
		return Session{}, failed("requester and provider are required"), nil
	}
	if requesterID == providerID {
		return Session{}, failed("requester and provider must differ"), nil
	}
	if durationMinutes <= 0 {
		return Session{}, failed("duration must be positive"), nil
	}
	now := c.now()
	s := Session{
		ID:              uuid.NewString(),
		RequesterID:     requesterID,
		ProviderID:      providerID,
		ScheduledAt:     scheduledAt,
		DurationMinutes: durationMinutes,
		CreatedAt:       now,
	}
	s.appendStatus(fsm.StatePendingAcceptance, now, "walk requested")
	if err := c.store.Create(ctx, s); err != nil {
		return Session{}, Outcome{}, fmt.Errorf("create session: %w", err)
	}
	c.logger.Infof("session %s created requester=%d provider=%d", s.ID, requesterID, providerID)
	return s, ok(), nil
}

// Get loads a session.
func (c *Coordinator) Get(ctx context.Context, id string) (Session, error) {
	return c.store.Get(ctx, id)
}

// Respond records the provider's accept or reject. A requester may also
// reject pre-acceptance, which models withdrawing the booking.
func (c *Coordinator) Respond(ctx context.Context, sessionID, role string, accept bool, reason string) (Session, Outcome, error) {
	target := fsm.StateRejected
	note := "rejected"
	event := EventRejected
	if accept {
		target = fsm.StateAccepted
		note = "accepted by provider"
		event = EventAccepted
	}
	if reason != "" {
		note = fmt.Sprintf("%s: %s", note, reason)
	}
	return c.transition(ctx, sessionID, role, target, note, func(s *Session, now time.Time) {
		if target == fsm.StateRejected {
			s.close(now)
		}
	}, func(s Session) {
		c.notify(ctx, s.RequesterID, event, map[string]string{"session_id": s.ID})
	})
}

// OnPaymentConfirmed handles the external payment-confirmed event,
// moving accepted to confirmed. It is idempotent: a repeated event on an
// already confirmed session is absorbed as StaleEvent with no side
// effects.
func (c *Coordinator) OnPaymentConfirmed(ctx context.Context, sessionID string) (Session, Outcome, error) {
	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, Outcome{}, err
	}
	if s.State == fsm.StateConfirmed {
		return s, stale("payment already confirmed"), nil
	}
	if !fsm.CanTransition(s.State, fsm.StateConfirmed, fsm.RoleSystem) {
		return s, denied(fmt.Sprintf("payment event in state %s", s.State)), nil
	}
	prev := s.State
	s.appendStatus(fsm.StateConfirmed, c.now(), "payment confirmed")
	if err := c.store.Update(ctx, s, prev); err != nil {
		return c.resolveUpdateErr(ctx, sessionID, err)
	}
	return s, ok(), nil
}

// Start flips a confirmed session to active and records startedAt.
func (c *Coordinator) Start(ctx context.Context, sessionID, role string) (Session, Outcome, error) {
	return c.transition(ctx, sessionID, role, fsm.StateActive, "walk started", func(s *Session, now time.Time) {
		s.StartedAt = &now
	}, func(s Session) {
		c.notify(ctx, c.counterpart(s, role), EventStarted, map[string]string{"session_id": s.ID})
	})
}

// Complete ends an active session successfully.
func (c *Coordinator) Complete(ctx context.Context, sessionID, role string) (Session, Outcome, error) {
	return c.transition(ctx, sessionID, role, fsm.StateCompleted, "walk completed", func(s *Session, now time.Time) {
		s.close(now)
	}, func(s Session) {
		c.notify(ctx, c.counterpart(s, role), EventCompleted, map[string]string{"session_id": s.ID})
	})
}

// RequestCancellation opens the bilateral cancellation handshake. The
// request is only accepted once the walk has been active for the
// configured minimum; earlier requests report the remaining wait.
func (c *Coordinator) RequestCancellation(ctx context.Context, sessionID, role, reason string) (Session, Outcome, error) {
	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, Outcome{}, err
	}
	if !fsm.CanTransition(s.State, fsm.StateCancellationRequested, role) {
		return s, denied(fmt.Sprintf("%s -> %s by %s", s.State, fsm.StateCancellationRequested, role)), nil
	}
	now := c.now()
	if s.StartedAt == nil {
		return s, failed("session has no start time"), nil
	}
	if elapsed := now.Sub(*s.StartedAt); elapsed < c.cfg.MinActiveBeforeCancel {
		return s, tooEarly(c.cfg.MinActiveBeforeCancel - elapsed), nil
	}
	prev := s.State
	s.Cancellation = &Cancellation{RequestedBy: role, Reason: reason, RequestedAt: now}
	s.appendStatus(fsm.StateCancellationRequested, now, fmt.Sprintf("cancellation requested by %s", role))
	if err := c.store.Update(ctx, s, prev); err != nil {
		return c.resolveUpdateErr(ctx, sessionID, err)
	}
	payload := map[string]string{"session_id": s.ID, "requested_by": role, "reason": reason}
	c.notify(ctx, s.RequesterID, EventCancellationRequested, payload)
	c.notify(ctx, s.ProviderID, EventCancellationRequested, payload)
	return s, ok(), nil
}

// ResolveCancellation closes the handshake. Only the counterparty of
// the requesting role may resolve; accepting cancels the session
// mutually, rejecting returns it to active.
func (c *Coordinator) ResolveCancellation(ctx context.Context, sessionID, role string, accept bool) (Session, Outcome, error) {
	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, Outcome{}, err
	}
	if s.State != fsm.StateCancellationRequested {
		return s, denied(fmt.Sprintf("no cancellation pending in state %s", s.State)), nil
	}
	if s.Cancellation == nil {
		return s, failed("cancellation record missing"), nil
	}
	if s.Cancellation.RequestedBy == role {
		// The requesting party cannot accept its own request; that
		// would be one-sided termination of a paid session.
		return s, denied("cancellation must be resolved by the other party"), nil
	}
	target := fsm.StateActive
	note := fmt.Sprintf("cancellation rejected by %s", role)
	if accept {
		target = fsm.StateCancelled
		note = fmt.Sprintf("cancellation accepted by %s", role)
	}
	if !fsm.CanTransition(s.State, target, role) {
		return s, denied(fmt.Sprintf("%s -> %s by %s", s.State, target, role)), nil
	}
	now := c.now()
	prev := s.State
	s.Cancellation.ResolvedAt = &now
	if accept {
		s.CancelledBy = CancelledMutual
		s.close(now)
	} else {
		// Back to active; the resolved record stays visible in the
		// timeline only.
		s.Cancellation = nil
	}
	s.appendStatus(target, now, note)
	if err := c.store.Update(ctx, s, prev); err != nil {
		return c.resolveUpdateErr(ctx, sessionID, err)
	}
	payload := map[string]string{"session_id": s.ID, "accepted": fmt.Sprintf("%t", accept)}
	c.notify(ctx, s.RequesterID, EventCancellationResolved, payload)
	c.notify(ctx, s.ProviderID, EventCancellationResolved, payload)
	return s, ok(), nil
}

// ForceCancelByProvider is the provider's direct cancellation path from
// active, bypassing negotiation. It is restricted to a fixed reason-code
// whitelist and audited separately from the mutual path.
func (c *Coordinator) ForceCancelByProvider(ctx context.Context, sessionID, reasonCode string) (Session, Outcome, error) {
	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if _, allowed := c.cfg.ForceCancelReasons[reasonCode]; !allowed {
		s, err := c.store.Get(ctx, sessionID)
		if err != nil {
			return Session{}, Outcome{}, err
		}
		return s, failed(fmt.Sprintf("reason %q does not permit force cancel", reasonCode)), nil
	}
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, Outcome{}, err
	}
	if !fsm.CanTransition(s.State, fsm.StateCancelled, fsm.RoleProvider) {
		return s, denied(fmt.Sprintf("%s -> %s by provider", s.State, fsm.StateCancelled)), nil
	}
	now := c.now()
	prev := s.State
	s.Cancellation = &Cancellation{RequestedBy: fsm.RoleProvider, Reason: reasonCode, RequestedAt: now, ResolvedAt: &now}
	s.CancelledBy = CancelledProviderForced
	s.close(now)
	s.appendStatus(fsm.StateCancelled, now, fmt.Sprintf("force cancelled by provider: %s", reasonCode))
	if err := c.store.Update(ctx, s, prev); err != nil {
		return c.resolveUpdateErr(ctx, sessionID, err)
	}
	c.notify(ctx, s.RequesterID, EventForceCancelled, map[string]string{"session_id": s.ID, "reason": reasonCode})
	return s, ok(), nil
}

// AttachPhoto appends an uploaded photo URL. Allowed any time the walk
// is underway (active or mid-negotiation); not a state change.
func (c *Coordinator) AttachPhoto(ctx context.Context, sessionID, url string) (Session, Outcome, error) {
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, Outcome{}, err
	}
	if s.State != fsm.StateActive && s.State != fsm.StateCancellationRequested {
		return s, failed(fmt.Sprintf("photos cannot be attached in state %s", s.State)), nil
	}
	if err := c.store.AppendPhoto(ctx, sessionID, url); err != nil {
		return s, Outcome{}, fmt.Errorf("append photo: %w", err)
	}
	s.Photos = append(s.Photos, url)
	return s, ok(), nil
}

// transition is the common path for simple validated single-edge moves.
func (c *Coordinator) transition(ctx context.Context, sessionID, role, target, note string, mutate func(*Session, time.Time), onSuccess func(Session)) (Session, Outcome, error) {
	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, Outcome{}, err
	}
	if !fsm.CanTransition(s.State, target, role) {
		return s, denied(fmt.Sprintf("%s -> %s by %s", s.State, target, role)), nil
	}
	now := c.now()
	prev := s.State
	if mutate != nil {
		mutate(&s, now)
	}
	s.appendStatus(target, now, note)
	if err := c.store.Update(ctx, s, prev); err != nil {
		return c.resolveUpdateErr(ctx, sessionID, err)
	}
	c.logger.Infof("session %s: %s -> %s by %s", s.ID, prev, target, role)
	if onSuccess != nil {
		onSuccess(s)
	}
	return s, ok(), nil
}

// resolveUpdateErr maps a lost CAS race to TransitionDenied with the
// current truth; anything else is a hard store error.
func (c *Coordinator) resolveUpdateErr(ctx context.Context, sessionID string, err error) (Session, Outcome, error) {
	if !errors.Is(err, ErrStaleState) {
		return Session{}, Outcome{}, fmt.Errorf("update session %s: %w", sessionID, err)
	}
	cur, getErr := c.store.Get(ctx, sessionID)
	if getErr != nil {
		return Session{}, Outcome{}, getErr
	}
	return cur, denied("lost concurrent update"), nil
}

func (c *Coordinator) counterpart(s Session, role string) int64 {
	if role == fsm.RoleProvider {
		return s.RequesterID
	}
	return s.ProviderID
}
