package paging

import (
	"sort"
	"strings"
)

// Flags are the protection and bookkeeping bits carried in the low 12 bits of a directory or table row
type Flags uint32

const (
	FlagPresent Flags = 1 << iota
	FlagWritable
	FlagUser
	FlagWriteThrough
	FlagCacheDisable
	FlagAccessed
	FlagDirty
	FlagLargePage
	FlagGlobal
	// FlagCopyOnWrite lives in the first software-available bit; the MMU ignores it
	FlagCopyOnWrite
)

var flagNames = map[Flags]string{
	FlagPresent:      "Present",
	FlagWritable:     "Writable",
	FlagUser:         "User",
	FlagWriteThrough: "WriteThrough",
	FlagCacheDisable: "CacheDisable",
	FlagAccessed:     "Accessed",
	FlagDirty:        "Dirty",
	FlagLargePage:    "LargePage",
	FlagGlobal:       "Global",
	FlagCopyOnWrite:  "CopyOnWrite",
}

func (f Flags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	var unknown Flags
	for bit := Flags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		name, ok := flagNames[bit]
		if !ok {
			unknown |= bit
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if unknown != 0 {
		names = append(names, "Unknown")
	}
	return strings.Join(names, "|")
}

// Entry is one row of a page directory or page table: a frame address in the high 20 bits and
// Flags in the low 12.
type Entry uint32

func NewEntry(frame uint32, flags Flags) Entry {
	return Entry(frame&FrameMask | uint32(flags)&^FrameMask)
}

// Frame returns the physical frame address the entry points at
func (e Entry) Frame() uint32 {
	return uint32(e) & FrameMask
}

func (e Entry) Flags() Flags {
	return Flags(uint32(e) &^ FrameMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags Flags) bool {
	return uint32(e)&uint32(flags) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (e Entry) HasAnyFlag(flags Flags) bool {
	return uint32(e)&uint32(flags) != 0
}

func (e Entry) Present() bool {
	return e.HasFlags(FlagPresent)
}

func (e *Entry) SetFlags(flags Flags) {
	*e = Entry(uint32(*e) | uint32(flags)&^FrameMask)
}

func (e *Entry) ClearFlags(flags Flags) {
	*e = Entry(uint32(*e) &^ uint32(flags))
}

func (e *Entry) SetFrame(frame uint32) {
	*e = Entry(uint32(*e)&^FrameMask | frame&FrameMask)
}
