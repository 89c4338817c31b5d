// Package state tracks the condition of an entity as a set of simultaneously
// active named states stored in a bitmask.
//
// A device can be Connecting and ConnectingOverall at the same time, or
// Connected and DiscoveringServices; a single enum cannot express that. Every
// transition goes through one Apply call so that observers see exactly one
// Event per transition, carrying the entered, exited and intentional bits.
//
// A Tracker is owned by one entity and mutated only from that entity's update
// goroutine. It performs no locking.
package state

import (
	"math/bits"
	"strconv"
	"strings"
)

// Mask is a set of states, one bit per State.
type Mask uint32

// MaxStates is the number of distinct states a Mask can hold.
const MaxStates = 32

// State is a bit position within a Mask.
type State uint8

// Bit returns the mask containing only s.
func (s State) Bit() Mask { return 1 << s }

// Overlaps reports whether s is set in m.
func (s State) Overlaps(m Mask) bool { return m&s.Bit() != 0 }

// DidEnter reports whether s is set in newMask but not in oldMask.
func (s State) DidEnter(oldMask, newMask Mask) bool {
	return !s.Overlaps(oldMask) && s.Overlaps(newMask)
}

// DidExit reports whether s is set in oldMask but not in newMask.
func (s State) DidExit(oldMask, newMask Mask) bool {
	return s.Overlaps(oldMask) && !s.Overlaps(newMask)
}

// Of builds a mask from the given states.
func Of(states ...State) Mask {
	var m Mask
	for _, s := range states {
		m |= s.Bit()
	}
	return m
}

// Has reports whether s is set in m.
func (m Mask) Has(s State) bool { return s.Overlaps(m) }

// Any reports whether m shares at least one bit with other.
func (m Mask) Any(other Mask) bool { return m&other != 0 }

// All reports whether every bit of other is set in m.
func (m Mask) All(other Mask) bool { return m&other == other }

// Count returns the number of states set in m.
func (m Mask) Count() int { return bits.OnesCount32(uint32(m)) }

// States returns the states set in m in ascending bit order.
func (m Mask) States() []State {
	out := make([]State, 0, m.Count())
	for rest := uint32(m); rest != 0; rest &= rest - 1 {
		out = append(out, State(bits.TrailingZeros32(rest)))
	}
	return out
}

// Names maps the bit positions of one state family to display names.
type Names []string

// Name returns the name of s, or "?<bit>" when s is outside the family.
func (n Names) Name(s State) string {
	if int(s) < len(n) {
		return n[s]
	}
	return "?" + strconv.Itoa(int(s))
}

// Format renders m as "A|B|C". An empty mask renders as "none".
func (n Names) Format(m Mask) string {
	if m == 0 {
		return "none"
	}
	var sb strings.Builder
	for i, s := range m.States() {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(n.Name(s))
	}
	return sb.String()
}

// Full returns the mask with every state of the family set.
func (n Names) Full() Mask {
	if len(n) >= MaxStates {
		return ^Mask(0)
	}
	return Mask(1)<<uint(len(n)) - 1
}
