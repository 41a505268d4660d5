//go:build !pbddebug

package pbd

// checkInvariants is a no-op outside of -tags pbddebug builds, so the call
// sites in deque.go cost nothing in production.
func (d *Deque) checkInvariants() {}
