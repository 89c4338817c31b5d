package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mode int

const (
	modeDirect mode = iota
	modeAuto
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status    Status
		cancelled bool
		allows    bool
		report    bool
	}{
		{StatusNativeConnectionFailed, false, true, true},
		{StatusDiscoveringServicesFailed, false, true, true},
		{StatusBondingFailed, false, true, true},
		{StatusAuthenticationFailed, false, true, true},
		{StatusInitializationFailed, false, true, true},
		{StatusRogueDisconnect, false, true, false},
		{StatusAlreadyConnectingOrConnected, false, false, false},
		{StatusExplicitDisconnect, true, false, false},
		{StatusRadioTurningOff, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.cancelled, tt.status.WasCancelled())
			assert.Equal(t, tt.allows, tt.status.AllowsRetry())
			assert.Equal(t, tt.report, tt.status.ShouldBeReportedToUser())
		})
	}
}

func TestSequence_CancellationBypassesPolicy(t *testing.T) {
	policy := PolicyFunc(func(ev FailureEvent) Decision {
		t.Fatalf("policy consulted for %s", ev.Status)
		return Retry()
	})
	for _, st := range []Status{StatusExplicitDisconnect, StatusRadioTurningOff, StatusAlreadyConnectingOrConnected} {
		s := NewSequence("AA", policy)
		now := time.Unix(0, 0)
		s.Begin(now, nil)

		ev, d := s.Fail(now.Add(time.Second), Failure{Status: st, Timing: TimingNotApplicable})

		assert.Equal(t, ActionGiveUp, d.Action, st.String())
		assert.Equal(t, 1, ev.AttemptCount)
		assert.Equal(t, PhaseIdle, s.Phase())
	}
}

func TestSequence_HistoryAccumulatesAndResets(t *testing.T) {
	calls := 0
	policy := PolicyFunc(func(ev FailureEvent) Decision {
		calls++
		if ev.AttemptCount < 3 {
			return Retry()
		}
		return GiveUp()
	})
	s := NewSequence("AA", policy)
	t0 := time.Unix(100, 0)

	s.Begin(t0, modeDirect)
	assert.Equal(t, PhaseAttempting, s.Phase())

	ev, d := s.Fail(t0.Add(time.Second), Failure{Status: StatusNativeConnectionFailed, Timing: TimingEventually})
	require.True(t, d.ShouldRetry())
	assert.Empty(t, ev.History)
	assert.Len(t, s.History(), 1)

	s.Begin(t0.Add(2*time.Second), s.Param())
	ev, d = s.Fail(t0.Add(5*time.Second), Failure{Status: StatusNativeConnectionFailed, Timing: TimingTimedOut})
	require.True(t, d.ShouldRetry())
	assert.Equal(t, 2, ev.AttemptCount)
	assert.Equal(t, 3*time.Second, ev.LatestAttempt)
	assert.Equal(t, 5*time.Second, ev.TotalSequence)
	assert.Len(t, ev.History, 1)
	assert.Len(t, s.History(), 2)

	s.Begin(t0.Add(6*time.Second), s.Param())
	ev, d = s.Fail(t0.Add(7*time.Second), Failure{Status: StatusDiscoveringServicesFailed, Timing: TimingEventually})
	assert.Equal(t, ActionGiveUp, d.Action)
	assert.Len(t, ev.History, 2)
	assert.Empty(t, s.History(), "give up clears history")
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Equal(t, 3, calls)

	s.Begin(t0.Add(10*time.Second), modeDirect)
	ev, _ = s.Fail(t0.Add(11*time.Second), Failure{Status: StatusNativeConnectionFailed})
	assert.Equal(t, 1, ev.AttemptCount, "new sequence starts counting again")
	assert.Equal(t, time.Second, ev.TotalSequence)
}

func TestSequence_SucceedClearsHistory(t *testing.T) {
	s := NewSequence("AA", PolicyFunc(func(FailureEvent) Decision { return Retry() }))
	now := time.Unix(0, 0)
	s.Begin(now, nil)
	s.Fail(now, Failure{Status: StatusRogueDisconnect})
	require.Len(t, s.History(), 1)

	s.Succeed()
	assert.Empty(t, s.History())
	assert.Zero(t, s.Attempts())
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestSequence_MaxHistory(t *testing.T) {
	s := NewSequence("AA", PolicyFunc(func(FailureEvent) Decision { return Retry() }), WithMaxHistory(2))
	now := time.Unix(0, 0)
	s.Begin(now, nil)
	for i := 0; i < 5; i++ {
		s.Fail(now, Failure{Status: StatusNativeConnectionFailed, Err: errors.New("boom")})
	}
	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, 4, h[0].AttemptCount)
	assert.Equal(t, 5, h[1].AttemptCount)
}

func TestSequence_RetryWithChangesParam(t *testing.T) {
	s := NewSequence("AA", PolicyFunc(func(FailureEvent) Decision { return RetryWith(modeAuto) }))
	now := time.Unix(0, 0)
	s.Begin(now, modeDirect)

	ev, d := s.Fail(now, Failure{Status: StatusNativeConnectionFailed})
	assert.Equal(t, modeDirect, ev.Param)
	assert.Equal(t, ActionRetryWith, d.Action)
	assert.Equal(t, modeAuto, s.Param())
}

func TestSequence_NilPolicyNeverRetries(t *testing.T) {
	s := NewSequence("AA", nil)
	_, d := s.Fail(time.Unix(0, 0), Failure{Status: StatusNativeConnectionFailed})
	assert.False(t, d.ShouldRetry())
}

func TestDefaultPolicy(t *testing.T) {
	p := NewDefaultPolicy(modeDirect, modeAuto)

	tests := []struct {
		name string
		ev   FailureEvent
		want Decision
	}{
		{"first failure retries", FailureEvent{Status: StatusNativeConnectionFailed, Timing: TimingEventually, AttemptCount: 1, Param: modeDirect}, Retry()},
		{"first timeout flips to alternate", FailureEvent{Status: StatusNativeConnectionFailed, Timing: TimingTimedOut, AttemptCount: 1, Param: modeDirect}, RetryWith(modeAuto)},
		{"first timeout on alternate flips back", FailureEvent{Status: StatusNativeConnectionFailed, Timing: TimingTimedOut, AttemptCount: 1, Param: modeAuto}, RetryWith(modeDirect)},
		{"second failure uses alternate", FailureEvent{Status: StatusDiscoveringServicesFailed, AttemptCount: 2, Param: modeDirect}, RetryWith(modeAuto)},
		{"over retry count gives up", FailureEvent{Status: StatusNativeConnectionFailed, AttemptCount: 3}, GiveUp()},
		{"long term gives up", FailureEvent{Status: StatusRogueDisconnect, AttemptCount: 1, LongTerm: true}, GiveUp()},
		{"already connected gives up", FailureEvent{Status: StatusAlreadyConnectingOrConnected, AttemptCount: 1}, GiveUp()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.ev))
		})
	}
}

func TestDefaultPolicy_NoAlternate(t *testing.T) {
	p := &DefaultPolicy{RetryCount: 1}
	assert.Equal(t, Retry(), p.Decide(FailureEvent{Status: StatusBondingFailed, AttemptCount: 1}))
	assert.Equal(t, GiveUp(), p.Decide(FailureEvent{Status: StatusBondingFailed, AttemptCount: 2}))
}
