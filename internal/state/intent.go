package state

// PendingIntent remembers which states are the target of a caller request that
// is still in flight.
//
// The owner marks the states it expects a request to change before issuing
// the underlying task and clears them when the task reaches a terminal state.
// Resolve turns the marker into the intent mask for a transition: changed bits
// that are still marked were intentional, everything else was spontaneous.
type PendingIntent struct {
	marked Mask
}

// Mark records m as targeted by an in-flight request.
func (p *PendingIntent) Mark(m Mask) { p.marked |= m }

// Clear forgets m.
func (p *PendingIntent) Clear(m Mask) { p.marked &^= m }

// Reset forgets everything.
func (p *PendingIntent) Reset() { p.marked = 0 }

// Marked returns the states currently marked.
func (p *PendingIntent) Marked() Mask { return p.marked }

// Resolve returns the intent mask for a transition that changed the given bits.
func (p *PendingIntent) Resolve(changed Mask) Mask { return p.marked & changed }

// Intent classifies the change of s.
func (p *PendingIntent) Intent(s State) Intent {
	if p.marked.Has(s) {
		return Intentional
	}
	return Unintentional
}
