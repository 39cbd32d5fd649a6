// Package paging holds the fixed layout of the 32-bit two-level paging scheme: page and table
// geometry, the higher-half split, the entry format, and the linear kernel window used to reach
// physical memory from kernel virtual addresses.
package paging

const (
	PageShift uint32 = 12
	// PageSize is the size in bytes of one page and one physical frame
	PageSize uint32 = 1 << PageShift
	// EntriesPerTable is the number of rows in both a page directory and a page table
	EntriesPerTable uint32 = 1024
	// EntrySize is the width in bytes of one directory or table row
	EntrySize uint32 = 4

	DirectoryShift uint32 = 22
	// TableSpan is the number of bytes of virtual address space covered by one page table
	TableSpan uint32 = 1 << DirectoryShift

	// FrameMask clears the low 12 offset bits of an address or entry
	FrameMask uint32 = ^(PageSize - 1)
	indexMask uint32 = EntriesPerTable - 1

	// HigherHalfBase is the virtual address where the kernel half of every address space begins.
	// Physical memory is mapped linearly from here.
	HigherHalfBase uint32 = 0xC0000000
	// KernelWindowSize is the amount of physical memory the kernel directory maps linearly at HigherHalfBase
	KernelWindowSize uint32 = 512 * 1024 * 1024
	// KernelTableCount is the number of page tables needed to cover KernelWindowSize
	KernelTableCount = KernelWindowSize / TableSpan
)

// DirectoryIndex returns the page directory row (top 10 bits) governing the virtual address
func DirectoryIndex(virt uint32) uint32 {
	return virt >> DirectoryShift
}

// TableIndex returns the page table row (middle 10 bits) governing the virtual address
func TableIndex(virt uint32) uint32 {
	return (virt >> PageShift) & indexMask
}

// PageOffset returns the offset of the virtual address within its page (low 12 bits)
func PageOffset(virt uint32) uint32 {
	return virt & (PageSize - 1)
}

// PageBase rounds the address down to the start of its page
func PageBase(addr uint32) uint32 {
	return addr & FrameMask
}

// Compose builds a virtual address from its directory row, table row and page offset
func Compose(directoryIndex, tableIndex, offset uint32) uint32 {
	return directoryIndex<<DirectoryShift | (tableIndex&indexMask)<<PageShift | offset&(PageSize-1)
}
