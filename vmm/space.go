package vmm

import (
	"github.com/mortyos/memcore/paging"
)

// AddressSpace binds a Manager to one directory so callers that only ever touch a single address
// space, like the kernel heap, can map and unmap without carrying the directory around
type AddressSpace struct {
	manager   *Manager
	directory Directory
}

// KernelSpace returns the kernel directory's address space. It is only valid after Init.
func (m *Manager) KernelSpace() AddressSpace {
	return m.Space(m.KernelDirectory())
}

func (m *Manager) Space(dir Directory) AddressSpace {
	return AddressSpace{manager: m, directory: dir}
}

func (s AddressSpace) Directory() Directory { return s.directory }

func (s AddressSpace) Map(virt, phys uint32, flags paging.Flags) error {
	return s.manager.Map(s.directory, virt, phys, flags)
}

// Unmap clears the mapping for virt. A missing table is not an error.
func (s AddressSpace) Unmap(virt uint32) error {
	_, err := s.manager.Unmap(s.directory, virt)
	return err
}

func (s AddressSpace) Lookup(virt uint32) (uint32, bool) {
	return s.manager.Lookup(s.directory, virt)
}
