// Package heap implements the boundary-tagged multi-arena allocator of
// spec.md §4.4, built on top of vmm for its backing address space.
package heap

import "sync/atomic"

// sizeAccount is an atomically updated quota, reserve/release replacing
// the teacher's Given/Taken on limits.Sysatomic_t (limits/limits.go):
// Reserve is Taken (optimistically subtract, roll back on overdraw),
// Release is Given (add back, unconditionally).
type sizeAccount struct {
	used  int64
	limit int64 // <= 0 means unlimited
}

func newSizeAccount(limit int64) *sizeAccount {
	return &sizeAccount{limit: limit}
}

// reserve attempts to account for n additional bytes against the quota,
// returning false without changing state if that would exceed limit.
func (s *sizeAccount) reserve(n int64) bool {
	if n < 0 {
		panic("heap: negative reservation")
	}
	if s.limit <= 0 {
		atomic.AddInt64(&s.used, n)
		return true
	}
	g := atomic.AddInt64(&s.used, n)
	if g <= s.limit {
		return true
	}
	atomic.AddInt64(&s.used, -n)
	return false
}

// release returns n bytes to the quota.
func (s *sizeAccount) release(n int64) {
	if n < 0 {
		panic("heap: negative release")
	}
	atomic.AddInt64(&s.used, -n)
}

// current returns the quota's currently reserved byte count.
func (s *sizeAccount) current() int64 {
	return atomic.LoadInt64(&s.used)
}
