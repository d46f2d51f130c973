// Package kerrors is the error taxonomy shared by every allocator layer
// (PMM, SLAB, VMM, HEAP). Every public operation that can fail returns one
// of these codes wrapped in an *Error; panics are reserved for invariant
// violations a caller can never legitimately trigger (the same split the
// teacher kernel draws between returning a negative Err_t and calling
// panic("wut") on a refcount that went negative).
package kerrors

import (
	"errors"
	"fmt"
)

// Code enumerates the failure classes of spec.md §7.
type Code int

const (
	// OK is not itself returned as an error; it exists so callers that
	// store a Code (e.g. in stats) have a zero value meaning success.
	OK Code = iota
	ErrInvalid
	ErrNotInit
	ErrAlreadyInit
	ErrNotAligned
	ErrOutOfRange
	ErrOOM
	ErrNoMemory
	ErrCacheFull
	ErrNotFound
	ErrCorruption
	ErrBadSize
	ErrAlreadyMapped
	ErrVMMFail
)

var names = map[Code]string{
	OK:               "ok",
	ErrInvalid:       "invalid argument",
	ErrNotInit:       "not initialized",
	ErrAlreadyInit:   "already initialized",
	ErrNotAligned:    "not aligned",
	ErrOutOfRange:    "out of range",
	ErrOOM:           "out of memory",
	ErrNoMemory:      "no memory",
	ErrCacheFull:     "cache full",
	ErrNotFound:      "not found",
	ErrCorruption:    "corruption detected",
	ErrBadSize:       "bad size",
	ErrAlreadyMapped: "already mapped",
	ErrVMMFail:       "vmm failure",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("kerrors.Code(%d)", int(c))
}

// Error is the concrete error type returned by every layer. Op names the
// failing operation ("pmm.Alloc", "slab.Free", ...) so logs and test
// failures can be traced back to a call site without a stack trace.
type Error struct {
	Code Code
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Msg)
}

// Is allows errors.Is(err, kerrors.ErrCorruption)-style sentinel checks,
// even though Code itself isn't an error, by comparing codes when target is
// also an *Error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New constructs an *Error for op with an optional formatted message.
func New(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Sentinel returns a bare *Error for op carrying only a code, used when
// there is nothing more to say than the code itself.
func Sentinel(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Is reports whether err (or something it wraps) carries code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code carried by err, or OK if err is nil, or
// ErrInvalid if err is a foreign error that carries no Code.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInvalid
}
