package paging

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// ErrOutsideWindow is returned when an address falls outside a linear mapping window
var ErrOutsideWindow = errors.New("address is outside the linear mapping window")

// LinearWindow is a virtual region where virtual = physical + Offset, for physical addresses in
// [0, Size).
type LinearWindow struct {
	Offset uint32
	Size   uint32
}

// KernelWindow is the linear window installed by the kernel directory. Boot establishes its
// first 4 MiB; the VMM extends it to KernelWindowSize.
var KernelWindow = LinearWindow{Offset: HigherHalfBase, Size: KernelWindowSize}

func (w LinearWindow) PhysToVirt(phys uint32) (uint32, error) {
	if phys >= w.Size {
		return 0, cerrors.Wrapf(ErrOutsideWindow, "physical address %#x, window size %#x", phys, w.Size)
	}
	return phys + w.Offset, nil
}

func (w LinearWindow) VirtToPhys(virt uint32) (uint32, error) {
	if virt < w.Offset || virt-w.Offset >= w.Size {
		return 0, cerrors.Wrapf(ErrOutsideWindow, "virtual address %#x, window %#x+%#x", virt, w.Offset, w.Size)
	}
	return virt - w.Offset, nil
}

// Contains reports whether the virtual address lies in the window
func (w LinearWindow) Contains(virt uint32) bool {
	return virt >= w.Offset && virt-w.Offset < w.Size
}

// PhysToVirt translates a physical address to its alias in the kernel window
func PhysToVirt(phys uint32) (uint32, error) {
	return KernelWindow.PhysToVirt(phys)
}

// VirtToPhys translates a kernel window address back to the physical address it aliases
func VirtToPhys(virt uint32) (uint32, error) {
	return KernelWindow.VirtToPhys(virt)
}
