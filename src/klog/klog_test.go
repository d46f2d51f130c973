package klog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfofWritesPrefixedLine(t *testing.T) {
	var buf bytes.Buffer
	lg := New("pmm", &buf)
	lg.Infof("reserved %d pages", 4)
	require.Contains(t, buf.String(), "pmm:")
	require.Contains(t, buf.String(), "reserved 4 pages")
}

func TestWarnfTagsWarning(t *testing.T) {
	var buf bytes.Buffer
	lg := New("slab", &buf)
	lg.Warnf("cache %q nearly full", "inode")
	require.Contains(t, buf.String(), "WARN:")
}

func TestFatalfPanics(t *testing.T) {
	var buf bytes.Buffer
	lg := New("heap", &buf)
	require.Panics(t, func() { lg.Fatalf("corrupt block at %#x", 0x1000) })
	require.True(t, strings.Contains(buf.String(), "FATAL:"))
}

func TestNilLoggerIsSilentExceptFatal(t *testing.T) {
	var lg *Logger
	require.NotPanics(t, func() { lg.Infof("noop") })
	require.NotPanics(t, func() { lg.Warnf("noop") })
	require.Panics(t, func() { lg.Fatalf("noop") })
}

func TestDiscardDropsEverything(t *testing.T) {
	require.NotPanics(t, func() {
		Discard.Infof("anything")
		Discard.Warnf("anything")
	})
}
