package task

import "time"

// DefaultTimeout bounds native operations that have no specific timeout.
const DefaultTimeout = 12500 * time.Millisecond

// Profile is the scheduling configuration of one task kind.
type Profile struct {
	Priority      Priority
	Interruptible bool
	// Timeout of zero means the task never times out.
	Timeout time.Duration
}

// Options returns the task options implementing p.
func (p Profile) Options() []Option {
	return []Option{WithPriority(p.Priority), WithInterruptible(p.Interruptible), WithTimeout(p.Timeout)}
}

// Profiles maps kinds to their profile.
type Profiles map[Kind]Profile

var defaultProfiles = Profiles{
	KindTurnOn:           {Priority: PriorityCritical, Timeout: DefaultTimeout},
	KindTurnOff:          {Priority: PriorityCritical, Timeout: DefaultTimeout},
	KindScan:             {Priority: PriorityTrivial, Interruptible: true},
	KindConnect:          {Priority: PriorityHigh, Timeout: DefaultTimeout},
	KindDisconnect:       {Priority: PriorityHigh, Timeout: DefaultTimeout},
	KindBond:             {Priority: PriorityMedium, Timeout: 30 * time.Second},
	KindUnbond:           {Priority: PriorityMedium, Timeout: DefaultTimeout},
	KindDiscoverServices: {Priority: PriorityHigh, Timeout: DefaultTimeout},
	KindRead:             {Priority: PriorityMedium, Timeout: DefaultTimeout},
	KindWrite:            {Priority: PriorityMedium, Timeout: DefaultTimeout},
	KindToggleNotify:     {Priority: PriorityMedium, Timeout: DefaultTimeout},
	KindNegotiateMTU:     {Priority: PriorityMedium, Timeout: DefaultTimeout},
	KindReadRSSI:         {Priority: PriorityLow, Interruptible: true, Timeout: DefaultTimeout},
}

// DefaultProfiles returns a copy of the built-in profiles.
func DefaultProfiles() Profiles {
	out := make(Profiles, len(defaultProfiles))
	for k, p := range defaultProfiles {
		out[k] = p
	}
	return out
}

// Profile returns the profile of kind, falling back to the built-in one.
func (ps Profiles) Profile(kind Kind) Profile {
	if p, ok := ps[kind]; ok {
		return p
	}
	if p, ok := defaultProfiles[kind]; ok {
		return p
	}
	return Profile{Priority: PriorityMedium, Timeout: DefaultTimeout}
}

// Options returns the options for a task of kind followed by extra.
func (ps Profiles) Options(kind Kind, extra ...Option) []Option {
	return append(ps.Profile(kind).Options(), extra...)
}
