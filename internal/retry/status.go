// Package retry carries the failure classification and the pluggable retry
// decision used by connection sequences.
//
// The scheduler never retries by itself. The owner of a failed sequence builds
// a FailureEvent and asks a Policy what to do; cancellation-class failures
// skip the policy entirely.
package retry

import "fmt"

// Status classifies why a connection sequence failed.
type Status int

const (
	StatusUnknown Status = iota
	// StatusAlreadyConnectingOrConnected: a connect was requested for a
	// device that is already connecting or connected.
	StatusAlreadyConnectingOrConnected
	StatusNativeConnectionFailed
	StatusDiscoveringServicesFailed
	StatusBondingFailed
	// StatusRogueDisconnect: the link dropped on its own mid-sequence.
	StatusRogueDisconnect
	// StatusExplicitDisconnect: the caller disconnected mid-sequence.
	StatusExplicitDisconnect
	// StatusRadioTurningOff: the radio subsystem is shutting down.
	StatusRadioTurningOff
	// StatusAuthenticationFailed: the authentication transaction failed or
	// timed out.
	StatusAuthenticationFailed
	// StatusInitializationFailed: the initialization transaction failed or
	// timed out.
	StatusInitializationFailed
)

var statusNames = [...]string{
	"unknown",
	"already_connecting_or_connected",
	"native_connection_failed",
	"discovering_services_failed",
	"bonding_failed",
	"rogue_disconnect",
	"explicit_disconnect",
	"radio_turning_off",
	"authentication_failed",
	"initialization_failed",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// WasCancelled reports whether the failure came from an explicit
// cancellation or a subsystem shutdown. Such failures are never retried.
func (s Status) WasCancelled() bool {
	return s == StatusExplicitDisconnect || s == StatusRadioTurningOff
}

// AllowsRetry reports whether the status is structurally eligible for a
// retry, independent of what a policy would answer.
func (s Status) AllowsRetry() bool {
	return !s.WasCancelled() && s != StatusAlreadyConnectingOrConnected
}

// ShouldBeReportedToUser reports whether the failure is worth surfacing to
// an end user, as opposed to being an expected side effect.
func (s Status) ShouldBeReportedToUser() bool {
	switch s {
	case StatusNativeConnectionFailed, StatusDiscoveringServicesFailed, StatusBondingFailed,
		StatusAuthenticationFailed, StatusInitializationFailed:
		return true
	default:
		return false
	}
}

// Timing tells when, relative to the native call, a failure happened.
type Timing int

const (
	// TimingNotApplicable: the failure did not come from a native call.
	TimingNotApplicable Timing = iota
	// TimingImmediately: the native call was rejected synchronously.
	TimingImmediately
	// TimingEventually: the native call was accepted but later reported failure.
	TimingEventually
	// TimingTimedOut: no native completion arrived in time.
	TimingTimedOut
)

func (t Timing) String() string {
	switch t {
	case TimingNotApplicable:
		return "not_applicable"
	case TimingImmediately:
		return "immediately"
	case TimingEventually:
		return "eventually"
	case TimingTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("Timing(%d)", int(t))
	}
}
