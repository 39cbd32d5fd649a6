// Package vmm owns the kernel page directory and every page table hanging off it. It maps and
// unmaps pages in any directory, answers mapping queries, clones address spaces and services the
// page-fault vector.
//
// Tables live in physical frames. The manager never dereferences a physical address directly:
// every row is reached through the kernel's linear window (paging.PhysToVirt / paging.VirtToPhys),
// which is valid from boot onward.
package vmm

import (
	"context"
	"fmt"
	"io"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/mortyos/memcore/cpu"
	"github.com/mortyos/memcore/internal/utils"
	"github.com/mortyos/memcore/memutils"
	"github.com/mortyos/memcore/paging"
	"github.com/mortyos/memcore/physmem"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	ErrNoStaticLayout     = errors.New("no static layout was provided for the kernel directory")
	ErrNotInitialized     = errors.New("the virtual memory manager has not been initialized")
	ErrAlreadyInitialized = errors.New("the virtual memory manager was already initialized")
)

// Directory is the physical address of a page directory frame, the value loaded into the paging
// root register
type Directory uint32

func (d Directory) String() string {
	return fmt.Sprintf("0x%08X", uint32(d))
}

// StaticLayout places the kernel directory and its statically reserved page tables in physical
// memory. Tables is the first of paging.KernelTableCount contiguous table frames and End is the
// first byte past the reservation.
type StaticLayout struct {
	Directory uint32
	Tables    uint32
	End       uint32
}

// ReserveStatic lays out the kernel directory and tables in the first frames after the kernel
// image
func ReserveStatic(kernelEnd uint32) StaticLayout {
	directory := memutils.AlignUp(kernelEnd, paging.PageSize)
	tables := directory + paging.PageSize
	return StaticLayout{
		Directory: directory,
		Tables:    tables,
		End:       tables + paging.KernelTableCount*paging.PageSize,
	}
}

// Options configures a Manager
type Options struct {
	// Layout is where the kernel directory and tables are placed. It must lie inside memory that is
	// reachable through the linear window when Init runs.
	Layout StaticLayout
	// FaultPolicy decides what happens after a page fault has been reported. Defaults to HaltPolicy.
	FaultPolicy FaultPolicy
	// Synchronized makes every public operation take an internal lock. By default callers are
	// expected to bracket calls themselves.
	Synchronized bool
}

// Manager is the virtual memory manager
type Manager struct {
	logger *slog.Logger
	cpu    *cpu.CPU
	mem    *physmem.Memory
	frames physmem.FrameAllocator
	window paging.LinearWindow

	layout      StaticLayout
	initialized bool
	kernel      Directory
	current     Directory

	lock utils.OptionalRWMutex

	policy    FaultPolicy
	lastFault *Fault
	stats     Stats

	// sharers of frames write-protected by CloneCopyOnWrite
	cowRefs *swiss.Map[uint32, int]
}

func New(logger *slog.Logger, c *cpu.CPU, frames physmem.FrameAllocator, options Options) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	policy := options.FaultPolicy
	if policy == nil {
		policy = HaltPolicy{}
	}

	return &Manager{
		logger:  logger,
		cpu:     c,
		mem:     c.Memory(),
		frames:  frames,
		window:  paging.KernelWindow,
		layout:  options.Layout,
		lock:    utils.OptionalRWMutex{UseMutex: options.Synchronized},
		policy:  policy,
		cowRefs: swiss.NewMap[uint32, int](16),
	}
}

// Init fills the statically reserved kernel directory so its higher-half rows point at the
// statically reserved tables, fills those tables so physical memory is mapped linearly from
// paging.HigherHalfBase, installs the page-fault handler and makes the kernel directory the
// paging root. Physical page 0 is deliberately left unmapped.
func (m *Manager) Init() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.initialized {
		return ErrAlreadyInitialized
	}
	if m.layout.Directory == 0 {
		return ErrNoStaticLayout
	}
	if err := memutils.CheckAligned(m.layout.Directory, paging.PageSize, "kernel directory"); err != nil {
		return err
	}
	if err := memutils.CheckAligned(m.layout.Tables, paging.PageSize, "kernel tables"); err != nil {
		return err
	}

	frames := append([]uint32{m.layout.Directory}, m.kernelTableFrames()...)
	for _, frame := range frames {
		if err := m.mem.ZeroFrame(frame); err != nil {
			return cerrors.Wrapf(err, "failed to clear static frame %#x", frame)
		}
	}

	directory := Directory(m.layout.Directory)
	firstRow := paging.DirectoryIndex(paging.HigherHalfBase)
	for i, table := range m.kernelTableFrames() {
		row := paging.NewEntry(table, paging.FlagPresent|paging.FlagWritable)
		if err := m.storeRow(uint32(directory), firstRow+uint32(i), row); err != nil {
			return err
		}
	}

	pageCount := paging.KernelTableCount * paging.EntriesPerTable
	for page := uint32(1); page < pageCount; page++ {
		entry := paging.NewEntry(page<<paging.PageShift, paging.FlagPresent|paging.FlagWritable)
		if err := m.storeRow(m.layout.Tables, page, entry); err != nil {
			return err
		}
	}

	m.cpu.Interrupts().Register(cpu.VectorPageFault, m.handlePageFault)

	m.kernel = directory
	m.initialized = true
	m.switchDirectory(directory)
	m.cpu.EnablePaging()

	m.logger.LogAttrs(context.Background(), slog.LevelInfo, "kernel directory installed",
		slog.String("directory", directory.String()),
		slog.String("tables", fmt.Sprintf("0x%08X", m.layout.Tables)),
		slog.Uint64("windowBytes", uint64(m.window.Size)),
	)
	return nil
}

func (m *Manager) kernelTableFrames() []uint32 {
	tables := make([]uint32, 0, paging.KernelTableCount)
	for i := uint32(0); i < paging.KernelTableCount; i++ {
		tables = append(tables, m.layout.Tables+i*paging.PageSize)
	}
	return tables
}

// Layout returns the static placement of the kernel directory and tables
func (m *Manager) Layout() StaticLayout { return m.layout }

// KernelDirectory returns the kernel's permanent directory. It is only valid after Init.
func (m *Manager) KernelDirectory() Directory {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.kernel
}

// CurrentDirectory returns the directory most recently installed as the paging root
func (m *Manager) CurrentDirectory() Directory {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.current
}

// SwitchDirectory installs dir as the paging root
func (m *Manager) SwitchDirectory(dir Directory) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}
	if err := memutils.CheckAligned(uint32(dir), paging.PageSize, "directory"); err != nil {
		return err
	}
	m.switchDirectory(dir)
	return nil
}

func (m *Manager) switchDirectory(dir Directory) {
	m.current = dir
	m.cpu.SetRoot(uint32(dir))
	m.logger.Debug("switched page directory", slog.String("directory", dir.String()))
}

// rowAddress returns the kernel virtual address of one row of the directory or table held in the
// frame at tablePhys
func (m *Manager) rowAddress(tablePhys uint32, index uint32) (uint32, error) {
	base, err := m.window.PhysToVirt(paging.PageBase(tablePhys))
	if err != nil {
		return 0, cerrors.Wrapf(err, "table frame %#x", tablePhys)
	}
	return base + index*paging.EntrySize, nil
}

func (m *Manager) loadRow(tablePhys uint32, index uint32) (paging.Entry, error) {
	virt, err := m.rowAddress(tablePhys, index)
	if err != nil {
		return 0, err
	}
	phys, err := m.window.VirtToPhys(virt)
	if err != nil {
		return 0, err
	}

	word, err := m.mem.ReadWord(phys)
	return paging.Entry(word), err
}

func (m *Manager) storeRow(tablePhys uint32, index uint32, entry paging.Entry) error {
	virt, err := m.rowAddress(tablePhys, index)
	if err != nil {
		return err
	}
	phys, err := m.window.VirtToPhys(virt)
	if err != nil {
		return err
	}

	return m.mem.WriteWord(phys, uint32(entry))
}

func (m *Manager) invalidate(virt uint32) {
	m.cpu.InvalidatePage(virt)
	m.stats.Invalidations++
}
