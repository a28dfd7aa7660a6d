package lifecycle

import "time"

// Code classifies the result of a coordinator operation. None of these
// are errors: concurrent actors race harmlessly and re-render current
// truth. Hard errors are reserved for store failures.
type Code string

const (
	OK                 Code = "ok"
	TransitionDenied   Code = "transition_denied"
	TooEarly           Code = "too_early"
	StaleEvent         Code = "stale_event"
	PreconditionFailed Code = "precondition_failed"
)

// Outcome is returned alongside the (possibly unchanged) session.
type Outcome struct {
	Code   Code
	Reason string
	// Wait carries the remaining guard time when Code is TooEarly, so
	// callers can show "wait N more minutes" instead of retrying blind.
	Wait time.Duration
}

func ok() Outcome { return Outcome{Code: OK} }

func denied(reason string) Outcome {
	return Outcome{Code: TransitionDenied, Reason: reason}
}

func tooEarly(wait time.Duration) Outcome {
	return Outcome{Code: TooEarly, Reason: "minimum active time not reached", Wait: wait}
}

func stale(reason string) Outcome {
	return Outcome{Code: StaleEvent, Reason: reason}
}

func failed(reason string) Outcome {
	return Outcome{Code: PreconditionFailed, Reason: reason}
}
