package retry

import (
	"fmt"
	"time"
)

// FailureEvent describes one failed attempt of a sequence.
type FailureEvent struct {
	Owner  string
	Status Status
	Timing Timing
	// AttemptCount is the number of failed attempts so far, this one included.
	AttemptCount int
	// LatestAttempt is how long this attempt ran.
	LatestAttempt time.Duration
	// TotalSequence is the time since the sequence began.
	TotalSequence time.Duration
	// Param is the parameter the failed attempt was made with, if any.
	Param any
	// LongTerm is set while the owner is in its long-term reconnect cycle.
	LongTerm bool
	// Code is the native status code, when the native layer reported one.
	Code int
	Err  error
	// History holds the earlier failures of the same sequence, oldest first.
	History []FailureEvent
}

func (e FailureEvent) String() string {
	return fmt.Sprintf("%s status=%s timing=%s attempt=%d latest=%s total=%s",
		e.Owner, e.Status, e.Timing, e.AttemptCount, e.LatestAttempt, e.TotalSequence)
}

// Action is what a Policy asks for.
type Action int

const (
	ActionGiveUp Action = iota
	ActionRetry
	ActionRetryWith
)

func (a Action) String() string {
	switch a {
	case ActionGiveUp:
		return "give_up"
	case ActionRetry:
		return "retry"
	case ActionRetryWith:
		return "retry_with"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Decision is a Policy answer.
type Decision struct {
	Action Action
	Param  any
}

// Retry asks for another attempt with the same parameter.
func Retry() Decision { return Decision{Action: ActionRetry} }

// RetryWith asks for another attempt with param.
func RetryWith(param any) Decision { return Decision{Action: ActionRetryWith, Param: param} }

// GiveUp ends the sequence.
func GiveUp() Decision { return Decision{Action: ActionGiveUp} }

// ShouldRetry reports whether the decision asks for another attempt.
func (d Decision) ShouldRetry() bool {
	return d.Action == ActionRetry || d.Action == ActionRetryWith
}

func (d Decision) String() string {
	if d.Action == ActionRetryWith {
		return fmt.Sprintf("retry_with(%v)", d.Param)
	}
	return d.Action.String()
}

// Policy decides whether a failed sequence should be retried.
type Policy interface {
	Decide(ev FailureEvent) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ev FailureEvent) Decision

// Decide calls f(ev).
func (f PolicyFunc) Decide(ev FailureEvent) Decision { return f(ev) }

// Never is a Policy that always gives up.
var Never Policy = PolicyFunc(func(FailureEvent) Decision { return GiveUp() })

const (
	DefaultRetryCount               = 2
	DefaultFailCountBeforeAlternate = 2
)

// DefaultPolicy retries up to RetryCount times. From the
// FailCountBeforeAlternate-th failure on it asks for Alternate; before that,
// a timed-out native connection flips between Primary and Alternate. Failures
// during the long-term reconnect cycle are not retried here since that cycle
// schedules its own attempts.
type DefaultPolicy struct {
	RetryCount               int
	FailCountBeforeAlternate int
	Primary                  any
	Alternate                any
}

// NewDefaultPolicy returns a DefaultPolicy with the stock counts.
func NewDefaultPolicy(primary, alternate any) *DefaultPolicy {
	return &DefaultPolicy{
		RetryCount:               DefaultRetryCount,
		FailCountBeforeAlternate: DefaultFailCountBeforeAlternate,
		Primary:                  primary,
		Alternate:                alternate,
	}
}

func (p *DefaultPolicy) Decide(ev FailureEvent) Decision {
	if !ev.Status.AllowsRetry() || ev.LongTerm {
		return GiveUp()
	}
	if ev.AttemptCount > p.RetryCount {
		return GiveUp()
	}
	if p.Alternate == nil {
		return Retry()
	}
	if ev.AttemptCount >= p.FailCountBeforeAlternate {
		return RetryWith(p.Alternate)
	}
	if ev.Status == StatusNativeConnectionFailed && ev.Timing == TimingTimedOut {
		switch ev.Param {
		case p.Alternate:
			return RetryWith(p.Primary)
		case p.Primary:
			return RetryWith(p.Alternate)
		}
	}
	return Retry()
}
