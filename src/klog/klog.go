// Package klog is the subsystem logger bootstrap and cmd/kernel use for
// bring-up progress (the allocator layers themselves do not log),
// grounded on the teacher's own bare
// fmt.Printf calls in mem.Phys_init/mem.Dmap_init rather than a
// structured, allocating logger (see DESIGN.md and SPEC_FULL.md §2 for
// why: a logger that allocates cannot safely sit in an allocator's own
// failure path).
package klog

import (
	"io"
	"log"
	"os"
)

// Logger prefixes every line with a subsystem tag, the same shape as
// the teacher's "fmt.Printf("pmm: ...")" call sites, just centralized
// so every layer shares one sink instead of duplicating the prefix.
type Logger struct {
	l *log.Logger
}

// New returns a Logger writing to w, tagged with subsystem. Passing a
// nil w defaults to os.Stderr.
func New(subsystem string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{l: log.New(w, subsystem+": ", log.Ltime|log.Lmicroseconds)}
}

// Infof logs a routine event (init progress, arena grow/shrink).
func (lg *Logger) Infof(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Printf(format, args...)
}

// Warnf logs a recoverable anomaly (a corruption check caught
// something but the caller returned an error instead of crashing).
func (lg *Logger) Warnf(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Printf("WARN: "+format, args...)
}

// Fatalf logs and then panics, reserved for the same class of
// impossible-state invariant breakage the teacher reserves panic("wut")
// for — never for a caller-reachable error path.
func (lg *Logger) Fatalf(format string, args ...any) {
	if lg == nil {
		log.Panicf(format, args...)
	}
	lg.l.Printf("FATAL: "+format, args...)
	panic(lg.l.Prefix() + "fatal: see log")
}

// Discard is a Logger that drops every line, used by tests and by
// bootstrap.Init when its Config carries no logger.
var Discard = New("", io.Discard)
