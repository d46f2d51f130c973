// Package irqlock provides the interrupt-safe exclusion primitive every
// mutating allocator operation needs: acquire saves the prior
// interrupt-enable state and disables interrupts, release restores it.
// There is no real CLI/STI here (the core runs hosted, not on bare
// metal) so the "interrupt state" is a simulated per-lock
// interrupt-enable flag; nested acquisition of the same lock is
// forbidden, the same as real interrupt-disabling spinlocks.
package irqlock

import "sync"

// Cookie is returned by Acquire and must be passed back to the matching
// Release. It is opaque to callers; double-releasing a cookie is a bug
// the same way double-releasing a real IF-restoring lock would be.
type Cookie struct {
	prevEnabled bool
}

// Lock is a single interrupt-safe exclusion primitive: one per address
// space (vmm) or one per heap, matching spec.md §5's "every AS carries a
// lock" / "optional per-heap lock".
type Lock struct {
	mu        sync.Mutex
	held      bool
	ifEnabled bool // simulated IF state while held
}

// New returns a lock in the released state with interrupts modeled as
// enabled, matching the boot-time state before any acquire.
func New() *Lock {
	return &Lock{ifEnabled: true}
}

// Acquire disables interrupts (conceptually) and takes the lock.
// Reentrant acquisition is not detected: like the sync.Mutex underneath,
// a second Acquire of the same Lock before its Release blocks forever.
// Composition goes through a non-locking internal variant instead (see
// vmm's *Locked helpers).
func (l *Lock) Acquire() Cookie {
	l.mu.Lock()
	prev := l.ifEnabled
	l.ifEnabled = false
	l.held = true
	return Cookie{prevEnabled: prev}
}

// Release restores the interrupt state saved in c and drops the lock.
func (l *Lock) Release(c Cookie) {
	l.ifEnabled = c.prevEnabled
	l.held = false
	l.mu.Unlock()
}

// MustHeld panics if the lock is not currently held by the caller's
// acquire/release bracket. Used the way the teacher's Lockassert_pmap
// asserts that mutating pmap helpers are only ever called with the lock
// already taken.
func (l *Lock) MustHeld() {
	if !l.held {
		panic("irqlock: lock must be held")
	}
}
