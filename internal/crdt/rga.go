package crdt

import (
	"fmt"
	"log/slog"
)

// node is one character's worth of RGA state, stored in RGA.nodes (an
// arena addressed by int index). Using dense indices instead of pointers
// or Rc<RefCell<>> avoids any cyclic-reference bookkeeping: both the
// linked-list Next field and the index map store plain ints, and mutation
// happens as ordinary slice-element writes under the replica's own lock.
type node struct {
	Value rune
	Valid bool // false once tombstoned; never becomes true again
	KID   S4Vector
	PID   S4Vector
	Next  int // index into RGA.nodes, -1 for "no successor"
}

// RGA is one site's replica of a Replicated Growable Array over runes.
// It is not safe for concurrent use by multiple goroutines; callers (the
// document layer) serialize access with their own lock.
type RGA struct {
	nodes []node
	index map[S4Vector]int // KID -> arena index, O(1) lookup (the SVI scheme)
	head  int              // arena index of the first node, -1 if empty

	siteID  uint32
	session uint32
	vc      Clock

	cemetery []S4Vector // tombstoned KIDs; retained forever, reserved for a future purge pass
}

// NewRGA creates an empty replica for siteID, sized for numSites initial
// vector-clock slots. Site ids at or beyond numSites are accommodated by
// growing the clock on demand.
func NewRGA(siteID uint32, numSites int, session uint32) *RGA {
	if numSites <= int(siteID) {
		numSites = int(siteID) + 1
	}
	return &RGA{
		index:   make(map[S4Vector]int),
		head:    -1,
		siteID:  siteID,
		session: session,
		vc:      make(Clock, numSites),
	}
}

// SiteID returns the replica's own site id.
func (r *RGA) SiteID() uint32 { return r.siteID }

// nextS4VectorAs bumps the local clock and mints a fresh id attributed
// to site rather than r.siteID. The
// room coordinator uses this: a single server-side replica generates
// operations on behalf of whichever connected client issued a
// position-based insert or delete, so site identity is a per-call
// argument there, not a property fixed at replica construction.
func (r *RGA) nextS4VectorAs(site uint32) S4Vector {
	r.vc = r.vc.grow(site)
	r.vc[site]++
	var sum uint32
	for _, c := range r.vc {
		sum += c
	}
	return S4Vector{SSN: r.session, SID: site, Sum: sum, Seq: r.vc[site]}
}

// findByIndex returns the arena index of the node at visible position idx
// (tombstones don't count), or ok=false if idx is out of range.
func (r *RGA) findByIndex(idx int) (int, bool) {
	count := 0
	for cur := r.head; cur != -1; cur = r.nodes[cur].Next {
		if !r.nodes[cur].Valid {
			continue
		}
		if count == idx {
			return cur, true
		}
		count++
	}
	return 0, false
}

// Len returns the number of visible (non-tombstoned) characters.
func (r *RGA) Len() int {
	n := 0
	for cur := r.head; cur != -1; cur = r.nodes[cur].Next {
		if r.nodes[cur].Valid {
			n++
		}
	}
	return n
}

// Read walks the list in document order and returns the visible text.
func (r *RGA) Read() string {
	buf := make([]rune, 0, len(r.nodes))
	for cur := r.head; cur != -1; cur = r.nodes[cur].Next {
		if r.nodes[cur].Valid {
			buf = append(buf, r.nodes[cur].Value)
		}
	}
	return string(buf)
}

// InsertLocal inserts value at visible position visibleIndex and returns
// the RemoteOp to broadcast. It fails only when visibleIndex exceeds the
// current visible length.
func (r *RGA) InsertLocal(visibleIndex int, value rune) (RemoteOp, error) {
	return r.InsertLocalAs(r.siteID, visibleIndex, value)
}

// DeleteLocal tombstones the node at visible position visibleIndex.
func (r *RGA) DeleteLocal(visibleIndex int) (RemoteOp, error) {
	return r.DeleteLocalAs(r.siteID, visibleIndex)
}

// UpdateLocal replaces the value at visible position visibleIndex.
func (r *RGA) UpdateLocal(visibleIndex int, value rune) (RemoteOp, error) {
	return r.UpdateLocalAs(r.siteID, visibleIndex, value)
}

// InsertLocalAs is InsertLocal attributed to site instead of r.siteID.
func (r *RGA) InsertLocalAs(site uint32, visibleIndex int, value rune) (RemoteOp, error) {
	length := r.Len()
	if visibleIndex < 0 || visibleIndex > length {
		return RemoteOp{}, fmt.Errorf("crdt: insert index %d out of range [0,%d]", visibleIndex, length)
	}

	var left *S4Vector
	if visibleIndex > 0 {
		idx, ok := r.findByIndex(visibleIndex - 1)
		if !ok {
			return RemoteOp{}, fmt.Errorf("crdt: insert predecessor %d not found", visibleIndex-1)
		}
		k := r.nodes[idx].KID
		left = &k
	}

	k := r.nextS4VectorAs(site)
	r.remoteInsert(left, value, k)
	return InsertOp(left, value, k, r.vc.Clone()), nil
}

// DeleteLocalAs is DeleteLocal attributed to site instead of r.siteID.
func (r *RGA) DeleteLocalAs(site uint32, visibleIndex int) (RemoteOp, error) {
	idx, ok := r.findByIndex(visibleIndex)
	if !ok {
		return RemoteOp{}, fmt.Errorf("crdt: delete index %d out of range [0,%d]", visibleIndex, r.Len())
	}
	target := r.nodes[idx].KID
	p := r.nextS4VectorAs(site)
	r.nodes[idx].Valid = false
	r.nodes[idx].PID = p
	r.cemetery = append(r.cemetery, target)
	return DeleteOp(target, p, r.vc.Clone()), nil
}

// UpdateLocalAs is UpdateLocal attributed to site instead of r.siteID.
func (r *RGA) UpdateLocalAs(site uint32, visibleIndex int, value rune) (RemoteOp, error) {
	idx, ok := r.findByIndex(visibleIndex)
	if !ok {
		return RemoteOp{}, fmt.Errorf("crdt: update index %d out of range [0,%d]", visibleIndex, r.Len())
	}
	if !r.nodes[idx].Valid {
		return RemoteOp{}, fmt.Errorf("crdt: update index %d is tombstoned", visibleIndex)
	}
	target := r.nodes[idx].KID
	p := r.nextS4VectorAs(site)
	r.nodes[idx].Value = value
	r.nodes[idx].PID = p
	return UpdateOp(target, value, p, r.vc.Clone()), nil
}

// ApplyRemote advances the local clock toward op's originator clock, then
// dispatches to the matching placement/mutation routine.
func (r *RGA) ApplyRemote(op RemoteOp) {
	r.vc = r.vc.mergeMax(op.VC)

	switch op.Kind {
	case OpInsert:
		r.remoteInsert(op.Left, op.Value, op.K)
	case OpDelete:
		r.remoteDelete(op.Target, op.P)
	case OpUpdate:
		r.remoteUpdate(op.Target, op.Value, op.P)
	default:
		slog.Warn("crdt: dropping operation of unknown kind", "kind", op.Kind)
	}
}

// scanInsertionPoint walks forward from ref (-1 meaning "before head")
// while the next node's KID strictly succeeds k, and returns the arena
// index after which the new node belongs. Siblings anchored at the same
// predecessor thus sit in descending S4Vector order, so every replica
// places concurrent inserts identically regardless of delivery order
// (Precedence Transitivity).
func (r *RGA) scanInsertionPoint(ref int, k S4Vector) int {
	for {
		var next int
		if ref == -1 {
			next = r.head
		} else {
			next = r.nodes[ref].Next
		}
		if next == -1 {
			return ref
		}
		if k.Precedes(r.nodes[next].KID) {
			ref = next
			continue
		}
		return ref
	}
}

// linkAfter splices a new node in immediately after ref (-1 for new head)
// and registers it in the index map.
func (r *RGA) linkAfter(ref int, k S4Vector, value rune) {
	next := -1
	if ref != -1 {
		next = r.nodes[ref].Next
	} else {
		next = r.head
	}
	r.nodes = append(r.nodes, node{Value: value, Valid: true, KID: k, PID: k, Next: next})
	newIdx := len(r.nodes) - 1
	if ref == -1 {
		r.head = newIdx
	} else {
		r.nodes[ref].Next = newIdx
	}
	r.index[k] = newIdx
}

// remoteInsert places a node for k immediately after left (head when left
// is nil). An unknown left is a causality violation: logged and dropped,
// never surfaced as an error, and never papered over with a placeholder
// node.
func (r *RGA) remoteInsert(left *S4Vector, value rune, k S4Vector) {
	start := -1
	if left != nil {
		idx, ok := r.index[*left]
		if !ok {
			slog.Warn("crdt: dropping insert with unknown predecessor", "left", left.String(), "k", k.String())
			return
		}
		start = idx
	}
	ref := r.scanInsertionPoint(start, k)
	r.linkAfter(ref, k, value)
}

// remoteDelete tombstones the node with KID target. Delete always wins
// against a concurrent Update: it unconditionally overwrites PID and
// never checks the existing PID's order.
func (r *RGA) remoteDelete(target, p S4Vector) {
	idx, ok := r.index[target]
	if !ok {
		slog.Warn("crdt: dropping delete with unknown target", "target", target.String())
		return
	}
	if r.nodes[idx].Valid {
		r.cemetery = append(r.cemetery, target)
	}
	r.nodes[idx].Valid = false
	r.nodes[idx].PID = p
}

// remoteUpdate replaces a node's value only if the node is still live and
// p strictly succeeds its current PID; otherwise the update is dropped
// (tombstones never resurrect, and a stricter-order update already won).
func (r *RGA) remoteUpdate(target S4Vector, value rune, p S4Vector) {
	idx, ok := r.index[target]
	if !ok {
		slog.Warn("crdt: dropping update with unknown target", "target", target.String())
		return
	}
	if !r.nodes[idx].Valid {
		return
	}
	if r.nodes[idx].PID.Precedes(p) {
		r.nodes[idx].Value = value
		r.nodes[idx].PID = p
	}
}
