// Package cpu models the parts of a 32-bit x86 processor the memory manager drives: the paging
// root register, the paging enable bit, the faulting-address register, the translation
// lookaside buffer, the page-table walk, the interrupt table and the halt line.
package cpu

import (
	"context"
	"fmt"
	"io"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/mortyos/memcore/paging"
	"github.com/mortyos/memcore/physmem"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	// ErrPageFault is returned when a translation faults and the fault handler did not make it valid
	ErrPageFault = errors.New("page fault")
	// ErrHalted is returned by every memory access once the processor is halted
	ErrHalted = errors.New("processor halted")
)

// Access describes a memory access. Its bits line up with the page-fault error code.
type Access uint32

const (
	AccessRead  Access = 0
	AccessWrite Access = 1 << 1
	AccessUser  Access = 1 << 2
	AccessFetch Access = 1 << 4
)

// Page-fault error code bits
const (
	FaultProtection uint32 = 1 << 0
	FaultWrite      uint32 = 1 << 1
	FaultUser       uint32 = 1 << 2
	FaultReserved   uint32 = 1 << 3
	FaultFetch      uint32 = 1 << 4
)

// CPU is a single simulated processor attached to physical memory
type CPU struct {
	logger     *slog.Logger
	mem        *physmem.Memory
	interrupts InterruptTable

	root          uint32
	pagingEnabled bool
	faultAddress  uint32
	ip            uint32
	halted        bool

	tlb *swiss.Map[uint32, paging.Entry]
}

func New(logger *slog.Logger, mem *physmem.Memory) *CPU {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &CPU{
		logger: logger,
		mem:    mem,
		tlb:    swiss.NewMap[uint32, paging.Entry](64),
	}
}

func (c *CPU) Memory() *physmem.Memory { return c.mem }

func (c *CPU) Interrupts() *InterruptTable { return &c.interrupts }

// SetRoot loads the paging root register (CR3) with the physical address of a page directory.
// Like the hardware, this discards every cached translation.
func (c *CPU) SetRoot(directory uint32) {
	c.root = paging.PageBase(directory)
	c.FlushTLB()
}

// Root returns the physical address of the active page directory
func (c *CPU) Root() uint32 { return c.root }

// EnablePaging sets the paging bit (CR0.PG). Before this call, addresses are physical.
func (c *CPU) EnablePaging() {
	c.pagingEnabled = true
	c.FlushTLB()
}

func (c *CPU) PagingEnabled() bool { return c.pagingEnabled }

// InvalidatePage drops the cached translation for the page containing virt (invlpg)
func (c *CPU) InvalidatePage(virt uint32) {
	c.tlb.Delete(virt >> paging.PageShift)
}

func (c *CPU) FlushTLB() {
	c.tlb = swiss.NewMap[uint32, paging.Entry](64)
}

// CachedTranslations returns the number of live TLB entries
func (c *CPU) CachedTranslations() int { return c.tlb.Count() }

// FaultAddress returns the virtual address of the most recent page fault (CR2)
func (c *CPU) FaultAddress() uint32 { return c.faultAddress }

// IP returns the instruction pointer reported with faults
func (c *CPU) IP() uint32 { return c.ip }

// SetIP sets the instruction pointer of the instruction performing subsequent accesses
func (c *CPU) SetIP(ip uint32) { c.ip = ip }

// Halt stops the processor. Every later access fails with ErrHalted.
func (c *CPU) Halt() {
	if !c.halted {
		c.logger.LogAttrs(context.Background(), slog.LevelError, "processor halted", slog.String("eip", fmt.Sprintf("0x%08X", c.ip)))
	}
	c.halted = true
}

func (c *CPU) Halted() bool { return c.halted }

// Translate resolves a virtual address for the given access. A failed walk raises the page-fault
// vector; if the handler leaves the processor running, the walk is retried once, the way the
// faulting instruction restarts after the handler returns.
func (c *CPU) Translate(virt uint32, access Access) (uint32, error) {
	if c.halted {
		return 0, ErrHalted
	}
	if !c.pagingEnabled {
		return virt, nil
	}

	phys, code, faulted, err := c.walk(virt, access)
	if err != nil {
		return 0, err
	}
	if !faulted {
		return phys, nil
	}

	if err := c.raisePageFault(virt, code); err != nil {
		return 0, err
	}
	if c.halted {
		return 0, ErrHalted
	}

	phys, code, faulted, err = c.walk(virt, access)
	if err != nil {
		return 0, err
	}
	if faulted {
		return 0, cerrors.Wrapf(ErrPageFault, "address 0x%08X, error code %#x", virt, code)
	}
	return phys, nil
}

func (c *CPU) raisePageFault(virt uint32, code uint32) error {
	c.faultAddress = virt
	// a fault always drops the cached translation for its page
	c.InvalidatePage(virt)

	err := c.interrupts.Dispatch(&Registers{
		Vector:    VectorPageFault,
		ErrorCode: code,
		EIP:       c.ip,
	})
	if err != nil {
		// a fault with no handler is a triple fault on real hardware
		c.Halt()
		return cerrors.Wrapf(ErrPageFault, "address 0x%08X, error code %#x: %v", virt, code, err)
	}
	return nil
}

// walk returns the physical address for virt, or the page-fault error code the access raises
func (c *CPU) walk(virt uint32, access Access) (phys uint32, code uint32, faulted bool, err error) {
	page := virt >> paging.PageShift
	entry, cached := c.tlb.Get(page)

	if !cached {
		directoryEntry, err := c.mem.ReadWord(c.root + paging.DirectoryIndex(virt)*paging.EntrySize)
		if err != nil {
			return 0, 0, false, err
		}
		pde := paging.Entry(directoryEntry)
		if !pde.Present() {
			return 0, uint32(access) &^ FaultProtection, true, nil
		}

		tableEntry, err := c.mem.ReadWord(pde.Frame() + paging.TableIndex(virt)*paging.EntrySize)
		if err != nil {
			return 0, 0, false, err
		}
		pte := paging.Entry(tableEntry)
		if !pte.Present() {
			return 0, uint32(access) &^ FaultProtection, true, nil
		}

		// Write and user permission are the intersection of both levels
		entry = pte
		if !pde.HasFlags(paging.FlagWritable) {
			entry.ClearFlags(paging.FlagWritable)
		}
		if !pde.HasFlags(paging.FlagUser) {
			entry.ClearFlags(paging.FlagUser)
		}
	}

	if access&AccessWrite != 0 && !entry.HasFlags(paging.FlagWritable) {
		return 0, uint32(access) | FaultProtection, true, nil
	}
	if access&AccessUser != 0 && !entry.HasFlags(paging.FlagUser) {
		return 0, uint32(access) | FaultProtection, true, nil
	}

	c.tlb.Put(page, entry)
	return entry.Frame() | paging.PageOffset(virt), 0, false, nil
}

// Read32 loads a word through the current translation
func (c *CPU) Read32(virt uint32, access Access) (uint32, error) {
	phys, err := c.Translate(virt, access&^AccessWrite)
	if err != nil {
		return 0, err
	}
	return c.mem.ReadWord(phys)
}

// Write32 stores a word through the current translation
func (c *CPU) Write32(virt uint32, value uint32, access Access) error {
	phys, err := c.Translate(virt, access|AccessWrite)
	if err != nil {
		return err
	}
	return c.mem.WriteWord(phys, value)
}
