package heap

//go:generate mockgen -source mapper.go -destination ./mocks/mapper.go -package mock_heap

import "github.com/mortyos/memcore/paging"

// Mapper is the slice of the virtual memory manager the heap needs: page mappings in the
// kernel's address space
type Mapper interface {
	Map(virt, phys uint32, flags paging.Flags) error
	Unmap(virt uint32) error
	Lookup(virt uint32) (uint32, bool)
}
