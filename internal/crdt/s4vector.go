// Package crdt implements a Replicated Growable Array (RGA) over runes:
// the conflict-free replicated data type that keeps every site's copy of a
// collaboratively edited document converging to the same text regardless
// of the order operations are delivered in.
package crdt

import "fmt"

// S4Vector is a globally unique, totally ordered operation identifier.
//
// The name and the four fields (session, site, sum, seq) come from the
// S4Vector scheme in "Replicated Abstract Data Types: Building Blocks for
// Collaborative Applications" (Roh et al., 2011): sum approximates causal
// height without shipping the whole vector clock, and sid breaks ties
// between concurrent operations deterministically across every replica.
type S4Vector struct {
	SSN uint32 // session epoch; constant for a room's lifetime in this implementation
	SID uint32 // originating site id
	Sum uint32 // sum of the originator's vector clock at generation time
	Seq uint32 // originator's own vector clock component at generation time
}

// Precedes reports whether v must be ordered before other. Seq is part of
// an S4Vector's identity but never participates in the ordering: two ids
// with the same (SSN, Sum, SID) and different Seq cannot occur, since Seq
// is a component of the clock that produced Sum.
func (v S4Vector) Precedes(other S4Vector) bool {
	if v.SSN != other.SSN {
		return v.SSN < other.SSN
	}
	if v.Sum != other.Sum {
		return v.Sum < other.Sum
	}
	return v.SID < other.SID
}

// String renders the vector for logs and error messages.
func (v S4Vector) String() string {
	return fmt.Sprintf("S4(%d,%d,%d,%d)", v.SSN, v.SID, v.Sum, v.Seq)
}

// Clock is a per-site vector clock: Clock[i] counts operations observed
// (locally generated or causally merged) from site i.
type Clock []uint32

// Clone returns an independent copy.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	copy(out, c)
	return out
}

// grow extends c with zeros so that site is a valid index. Clocks are
// sized for an initial site count and stretched on demand, so callers
// never need to know the final membership size up front.
func (c Clock) grow(site uint32) Clock {
	if int(site) < len(c) {
		return c
	}
	out := make(Clock, site+1)
	copy(out, c)
	return out
}

// mergeMax advances c element-wise toward other by taking the max of each
// component, growing c if other observes a higher site id.
func (c Clock) mergeMax(other Clock) Clock {
	if len(other) > len(c) {
		c = c.grow(uint32(len(other) - 1))
	}
	for i, v := range other {
		if v > c[i] {
			c[i] = v
		}
	}
	return c
}
