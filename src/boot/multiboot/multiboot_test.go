package multiboot

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildInfo assembles a minimal Multiboot2 info blob: header + one
// memory map tag carrying the given entries + an end tag.
func buildInfo(entries []MemoryMapEntry) []byte {
	const memMapEntrySz = 24
	tagBody := make([]byte, 16+memMapEntrySz*len(entries))
	binary.LittleEndian.PutUint32(tagBody[0:4], tagTypeMemMap)
	tagSize := uint32(len(tagBody))
	binary.LittleEndian.PutUint32(tagBody[4:8], tagSize)
	binary.LittleEndian.PutUint32(tagBody[8:12], memMapEntrySz)
	binary.LittleEndian.PutUint32(tagBody[12:16], 0)
	for i, e := range entries {
		off := 16 + i*memMapEntrySz
		binary.LittleEndian.PutUint64(tagBody[off:off+8], e.Base)
		binary.LittleEndian.PutUint64(tagBody[off+8:off+16], e.Length)
		binary.LittleEndian.PutUint32(tagBody[off+16:off+20], uint32(e.Type))
	}

	endTag := make([]byte, 8) // type=0, size=8
	binary.LittleEndian.PutUint32(endTag[4:8], 8)

	total := 8 + len(tagBody) + len(endTag)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	copy(buf[8:], tagBody)
	copy(buf[8+len(tagBody):], endTag)
	return buf
}

func TestParseExtractsMemoryMap(t *testing.T) {
	entries := []MemoryMapEntry{
		{Base: 0x0, Length: 0x9FC00, Type: MemoryAvailable},
		{Base: 0x100000, Length: 0x7F00000, Type: MemoryAvailable},
		{Base: 0xFEE00000, Length: 0x1000, Type: MemoryReserved},
	}
	buf := buildInfo(entries)

	info, err := Parse(buf)
	require.NoError(t, err)
	require.Len(t, info.MemoryMap, 3)
	require.Equal(t, entries, info.MemoryMap)
}

func TestUsableRangesFiltersNonAvailable(t *testing.T) {
	entries := []MemoryMapEntry{
		{Base: 0, Length: 0x1000, Type: MemoryAvailable},
		{Base: 0x1000, Length: 0x1000, Type: MemoryACPI},
		{Base: 0x2000, Length: 0x1000, Type: MemoryAvailable},
	}
	info := &Info{MemoryMap: entries}
	usable := info.UsableRanges()
	require.Len(t, usable, 2)
	require.Equal(t, uint64(0), usable[0].Base)
	require.Equal(t, uint64(0x2000), usable[1].Base)
}

func TestParseRejectsTruncatedBuffer(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseRejectsOversizedHeader(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], 0xFFFFFFFF)
	_, err := Parse(buf)
	require.Error(t, err)
}

func TestParseWithNoMemoryMapTagReturnsEmpty(t *testing.T) {
	buf := buildInfo(nil)
	// Overwrite the tag type so the parser skips it entirely.
	binary.LittleEndian.PutUint32(buf[8:12], 0xDEAD)
	info, err := Parse(buf)
	require.NoError(t, err)
	require.Empty(t, info.MemoryMap)
}
