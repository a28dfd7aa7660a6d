package channel

import "time"

// ConnState is a node of the reconnection state machine.
type ConnState string

const (
	ConnIdle       ConnState = "idle"
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnDegraded   ConnState = "degraded"
	ConnBackoff    ConnState = "backoff"
	ConnFailed     ConnState = "failed"
)

// ReconnectPolicy bounds the live-channel re-establishment behaviour.
type ReconnectPolicy struct {
	// SettleDelay is waited after connectivity regain before dialing,
	// to avoid flapping on transient network changes.
	SettleDelay time.Duration
	// MinInterval is the minimum time between two dial attempts.
	MinInterval time.Duration
	// MaxBackoff caps the growing inter-attempt delay.
	MaxBackoff time.Duration
	// MaxAttempts bounds consecutive failed dials before the machine
	// goes terminal and requires a manual Reset.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the production policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		SettleDelay: 3 * time.Second,
		MinInterval: 5 * time.Second,
		MaxBackoff:  60 * time.Second,
		MaxAttempts: 5,
	}
}

// Reconnector is the explicit client-side reconnection state machine:
// Idle -> Connecting -> Connected -> Degraded -> Backoff(n) -> Failed.
// It is time-driven through explicit now arguments so callers own the
// clock; it performs no I/O itself.
type Reconnector struct {
	policy ReconnectPolicy

	state       ConnState
	attempts    int
	lastDialAt  time.Time
	nextAllowed time.Time
}

// NewReconnector constructs a Reconnector in Idle.
func NewReconnector(policy ReconnectPolicy) *Reconnector {
	def := DefaultReconnectPolicy()
	if policy.SettleDelay <= 0 {
		policy.SettleDelay = def.SettleDelay
	}
	if policy.MinInterval <= 0 {
		policy.MinInterval = def.MinInterval
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	return &Reconnector{policy: policy, state: ConnIdle}
}

// State returns the current node.
func (r *Reconnector) State() ConnState { return r.state }

// Attempts returns the consecutive failed dial count.
func (r *Reconnector) Attempts() int { return r.attempts }

// ShouldDial reports whether a dial may start now, honoring the settle
// delay and the minimum inter-attempt interval.
func (r *Reconnector) ShouldDial(now time.Time) bool {
	switch r.state {
	case ConnIdle:
		return true
	case ConnBackoff:
		if now.Before(r.nextAllowed) {
			return false
		}
		return r.lastDialAt.IsZero() || now.Sub(r.lastDialAt) >= r.policy.MinInterval
	}
	return false
}

// DialStarted moves to Connecting and counts the attempt.
func (r *Reconnector) DialStarted(now time.Time) {
	if r.state != ConnIdle && r.state != ConnBackoff {
		return
	}
	r.state = ConnConnecting
	r.attempts++
	r.lastDialAt = now
}

// DialSucceeded moves to Connected and clears the failure count.
// Succeeding while already connected is a no-op, which is what makes
// rejoining an already-live channel idempotent.
func (r *Reconnector) DialSucceeded() {
	if r.state == ConnConnected {
		return
	}
	r.state = ConnConnected
	r.attempts = 0
}

// DialFailed schedules the next attempt with increasing backoff, or
// goes terminal once the attempt bound is exceeded. Failed is sticky:
// it surfaces to the user as "reconnection failed, retry manually"
// rather than looping silently.
func (r *Reconnector) DialFailed(now time.Time) {
	if r.attempts >= r.policy.MaxAttempts {
		r.state = ConnFailed
		return
	}
	r.state = ConnBackoff
	r.nextAllowed = now.Add(r.backoff())
}

// ConnectivityLost marks the live channel degraded. Sampling continues;
// only live delivery pauses.
func (r *Reconnector) ConnectivityLost() {
	switch r.state {
	case ConnConnected, ConnConnecting:
		r.state = ConnDegraded
	}
}

// ConnectivityRegained schedules a dial after the settle delay.
func (r *Reconnector) ConnectivityRegained(now time.Time) {
	if r.state != ConnDegraded {
		return
	}
	r.state = ConnBackoff
	r.nextAllowed = now.Add(r.policy.SettleDelay)
}

// Reset is the manual retry out of Failed (or anywhere) back to Idle.
func (r *Reconnector) Reset() {
	r.state = ConnIdle
	r.attempts = 0
	r.lastDialAt = time.Time{}
	r.nextAllowed = time.Time{}
}

func (r *Reconnector) backoff() time.Duration {
	d := time.Duration(r.attempts) * r.policy.MinInterval
	if d < r.policy.MinInterval {
		d = r.policy.MinInterval
	}
	if d > r.policy.MaxBackoff {
		d = r.policy.MaxBackoff
	}
	return d
}
