// Package multiboot reads the narrow slice of a Multiboot2 boot
// information structure this core actually needs: the memory map tag
// (type 6), which tells PMM init what physical ranges are usable RAM
// versus reserved/ACPI/bad memory. Everything else a real bootloader
// hands off (framebuffer, ACPI RSDP, module list, boot command line) is
// out of scope the same way spec.md's Non-goals put drivers and ELF
// loading out of scope: this package exists only so PMM init has a
// typed, real-looking source of ranges to consume instead of a literal
// constant, mirroring how the teacher's runtime fork hands Phys_init a
// physical range discovered at boot (runtime.Get_phys) rather than a
// hardcoded one.
package multiboot

import (
	"encoding/binary"
	"fmt"
)

// Multiboot2 tag types this package understands. Every other tag type is
// skipped by length during iteration.
const (
	tagTypeEnd      = 0
	tagTypeMemMap   = 6
	memMapEntrySize = 24 // base(8) + length(8) + type(4) + reserved(4)
)

// MemoryType classifies one memory map entry the way the Multiboot2
// spec does.
type MemoryType uint32

const (
	MemoryAvailable MemoryType = 1
	MemoryReserved  MemoryType = 2
	MemoryACPI      MemoryType = 3
	MemoryNVS       MemoryType = 4
	MemoryBadRAM    MemoryType = 5
)

// MemoryMapEntry is one range reported by the bootloader.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryType
}

// Info is the decoded subset of a Multiboot2 boot information structure
// this module cares about.
type Info struct {
	MemoryMap []MemoryMapEntry
}

// Parse walks the Multiboot2 boot information structure starting at buf
// (the raw bytes the bootloader left at the address passed in a CPU
// register, copied here into a Go byte slice by whatever glue code calls
// this), extracting the memory map tag. A structure with no memory map
// tag is not an error: it is reported as an empty Info so callers can
// decide whether that is fatal.
func Parse(buf []byte) (*Info, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("multiboot: buffer too short for header (%d bytes)", len(buf))
	}
	totalSize := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(totalSize) > uint64(len(buf)) {
		return nil, fmt.Errorf("multiboot: total_size %d exceeds buffer length %d", totalSize, len(buf))
	}

	info := &Info{}
	off := uint32(8) // skip total_size + reserved
	for off+8 <= totalSize {
		tagType := binary.LittleEndian.Uint32(buf[off : off+4])
		tagSize := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		if tagSize < 8 || off+tagSize > totalSize {
			return nil, fmt.Errorf("multiboot: malformed tag at offset %d (size %d)", off, tagSize)
		}
		if tagType == tagTypeEnd {
			break
		}
		if tagType == tagTypeMemMap {
			entries, err := parseMemMap(buf[off : off+tagSize])
			if err != nil {
				return nil, err
			}
			info.MemoryMap = entries
		}
		// tags are 8-byte aligned
		off += (tagSize + 7) &^ 7
	}
	return info, nil
}

// parseMemMap decodes the entry array of a type-6 tag. tag is the full
// tag including its 8-byte type/size header and the 8-byte
// entry_size/entry_version sub-header.
func parseMemMap(tag []byte) ([]MemoryMapEntry, error) {
	const tagHeaderSize = 16 // type(4) + size(4) + entry_size(4) + entry_version(4)
	if len(tag) < tagHeaderSize {
		return nil, fmt.Errorf("multiboot: memory map tag too short (%d bytes)", len(tag))
	}
	entrySize := binary.LittleEndian.Uint32(tag[8:12])
	if entrySize < memMapEntrySize {
		return nil, fmt.Errorf("multiboot: memory map entry_size %d too small", entrySize)
	}

	var entries []MemoryMapEntry
	for off := uint32(tagHeaderSize); off+entrySize <= uint32(len(tag)); off += entrySize {
		e := tag[off : off+entrySize]
		entries = append(entries, MemoryMapEntry{
			Base:   binary.LittleEndian.Uint64(e[0:8]),
			Length: binary.LittleEndian.Uint64(e[8:16]),
			Type:   MemoryType(binary.LittleEndian.Uint32(e[16:20])),
		})
	}
	return entries, nil
}

// UsableRanges returns every Available range in the memory map, in the
// order the bootloader reported them. bootstrap's reserveFromMultiboot
// walks this slice and marks every gap between these ranges reserved in
// the PMM; the PMM's own free lists are built over its whole managed
// range first.
func (i *Info) UsableRanges() []MemoryMapEntry {
	var out []MemoryMapEntry
	for _, e := range i.MemoryMap {
		if e.Type == MemoryAvailable {
			out = append(out, e)
		}
	}
	return out
}
