package retry

import "time"

// Phase of a Sequence.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAttempting
)

func (p Phase) String() string {
	if p == PhaseAttempting {
		return "attempting"
	}
	return "idle"
}

// DefaultMaxHistory bounds the failure history kept per sequence.
const DefaultMaxHistory = 16

// Sequence tracks a chain of attempts toward one goal (a connection):
//
//	IDLE -> ATTEMPTING -> SUCCESS -> IDLE
//	                   -> RETRY -> ATTEMPTING
//	                   -> GIVE_UP -> IDLE
//
// History accumulates across retries and is cleared on success and give-up.
// A Sequence is not safe for concurrent use.
type Sequence struct {
	owner      string
	policy     Policy
	maxHistory int

	phase        Phase
	startedAt    time.Time
	attemptStart time.Time
	attempts     int
	param        any
	history      []FailureEvent
}

// SequenceOption configures a Sequence.
type SequenceOption func(*Sequence)

// WithMaxHistory bounds the history; the oldest entries are dropped first.
func WithMaxHistory(n int) SequenceOption {
	return func(s *Sequence) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// NewSequence returns an idle sequence that consults policy on retryable
// failures. A nil policy never retries.
func NewSequence(owner string, policy Policy, opts ...SequenceOption) *Sequence {
	if policy == nil {
		policy = Never
	}
	s := &Sequence{owner: owner, policy: policy, maxHistory: DefaultMaxHistory}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPolicy replaces the policy.
func (s *Sequence) SetPolicy(p Policy) {
	if p == nil {
		p = Never
	}
	s.policy = p
}

// Begin marks the start of an attempt with param. The first Begin of an idle
// sequence also starts the sequence clock.
func (s *Sequence) Begin(now time.Time, param any) {
	if s.phase == PhaseIdle {
		s.phase = PhaseAttempting
		s.startedAt = now
		s.attempts = 0
		s.history = s.history[:0]
	}
	s.attemptStart = now
	s.param = param
}

// Failure carries the details of a failed attempt.
type Failure struct {
	Status   Status
	Timing   Timing
	Code     int
	LongTerm bool
	Err      error
}

// Fail records a failed attempt and returns the event together with the
// decision. Cancellation-class and structurally ineligible statuses give up
// without consulting the policy. A retry decision keeps the sequence
// attempting and appends the event to the history; any other decision resets
// the sequence.
func (s *Sequence) Fail(now time.Time, f Failure) (FailureEvent, Decision) {
	if s.phase == PhaseIdle {
		s.Begin(now, s.param)
	}
	s.attempts++
	ev := FailureEvent{
		Owner:         s.owner,
		Status:        f.Status,
		Timing:        f.Timing,
		AttemptCount:  s.attempts,
		LatestAttempt: now.Sub(s.attemptStart),
		TotalSequence: now.Sub(s.startedAt),
		Param:         s.param,
		LongTerm:      f.LongTerm,
		Code:          f.Code,
		Err:           f.Err,
		History:       append([]FailureEvent(nil), s.history...),
	}

	d := GiveUp()
	if !f.Status.WasCancelled() && f.Status.AllowsRetry() {
		d = s.policy.Decide(ev)
	}

	if d.ShouldRetry() {
		s.history = append(s.history, ev)
		if over := len(s.history) - s.maxHistory; over > 0 {
			s.history = append(s.history[:0], s.history[over:]...)
		}
		if d.Action == ActionRetryWith {
			s.param = d.Param
		}
	} else {
		s.Reset()
	}
	return ev, d
}

// Succeed ends the sequence successfully.
func (s *Sequence) Succeed() { s.Reset() }

// Reset returns the sequence to idle and clears its history.
func (s *Sequence) Reset() {
	s.phase = PhaseIdle
	s.attempts = 0
	s.history = nil
	s.startedAt = time.Time{}
	s.attemptStart = time.Time{}
}

// Phase returns the current phase.
func (s *Sequence) Phase() Phase { return s.phase }

// Attempts returns the failed attempts so far in this sequence.
func (s *Sequence) Attempts() int { return s.attempts }

// Param returns the parameter for the next attempt.
func (s *Sequence) Param() any { return s.param }

// History returns a copy of the retained failures, oldest first.
func (s *Sequence) History() []FailureEvent {
	return append([]FailureEvent(nil), s.history...)
}
