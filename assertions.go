//go:build pbddebug

package pbd

import "fmt"

// checkInvariants walks every segment and panics on the first violation of
// this package's structural invariants (contiguous segment ids, a read
// index that never exceeds the entry count, no drained-and-unpinned
// non-tail segment left unreclaimed, and an always-open tail). It is
// compiled in only under the pbddebug build tag: production builds never
// pay for it, tests built with -tags pbddebug do. Must be called with
// d.mu held.
func (d *Deque) checkInvariants() {
	if d.closed {
		return
	}
	if len(d.segments) == 0 {
		panic("pbd: deque has no segments")
	}
	for i, slot := range d.segments {
		if i > 0 && slot.id != d.segments[i-1].id+1 {
			panic(fmt.Sprintf("pbd: segment ids not contiguous: %d follows %d", slot.id, d.segments[i-1].id))
		}
		if slot.seg.readIndex() > slot.seg.numEntries() {
			panic(fmt.Sprintf("pbd: segment %d read index %d exceeds entry count %d", slot.id, slot.seg.readIndex(), slot.seg.numEntries()))
		}
		isTail := i == len(d.segments)-1
		if !isTail && slot.seg.numEntries() == slot.seg.readIndex() && d.pinCount[slot.id] == 0 {
			panic(fmt.Sprintf("pbd: segment %d is fully drained and unpinned but was not reclaimed", slot.id))
		}
		if !isTail && slot.seg.isOpen() {
			// Not itself a violation (Poll may have just opened it for a
			// read still in flight), but worth asserting callers aren't
			// holding non-tail segments open gratuitously once idle.
		}
	}
	if !d.segments[len(d.segments)-1].seg.isOpen() {
		panic("pbd: tail segment is not open")
	}
}
