// Package boot performs the one-time switch from physical addressing to paging. It builds a
// throwaway directory that maps the first 4 MiB of physical memory both at address 0 and at the
// higher-half base, so the code running from low memory and the kernel's linked higher-half
// addresses are valid the moment paging is switched on.
package boot

import (
	"context"
	"fmt"
	"io"

	cerrors "github.com/cockroachdb/errors"
	"github.com/mortyos/memcore/cpu"
	"github.com/mortyos/memcore/memutils"
	"github.com/mortyos/memcore/paging"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const (
	// TempDirectory, TempLowTable and TempHighTable are the fixed low physical frames holding the
	// boot page directory and its two tables
	TempDirectory uint32 = 0x1000
	TempLowTable  uint32 = 0x2000
	TempHighTable uint32 = 0x3000

	// WindowSize is the amount of physical memory the boot mapping covers
	WindowSize = paging.TableSpan

	stackAlignment uint32 = 16
)

// Window is the higher-half linear mapping valid once Enter returns
var Window = paging.LinearWindow{Offset: paging.HigherHalfBase, Size: WindowSize}

var (
	ErrPagingEnabled = errors.New("paging is already enabled")
	ErrBadStack      = errors.New("kernel stack is not inside the boot window")
)

// Params describes what the loader handed over and where the kernel image sits
type Params struct {
	// BootInfo is the physical address of the loader-provided metadata (multiboot info)
	BootInfo uint32
	// KernelStart and KernelEnd bound the kernel image in physical memory
	KernelStart uint32
	KernelEnd   uint32
	// StackBase is the linked (higher-half) address of the kernel stack array
	StackBase uint32
	StackSize uint32
}

// Handoff is what kernel initialization receives once paging is live
type Handoff struct {
	// BootInfo is the loader metadata pointer relocated into the higher half
	BootInfo    uint32
	StackBottom uint32
	StackTop    uint32
	KernelStart uint32
	KernelEnd   uint32
}

// KernelSizeKiB returns the size of the kernel image in KiB, rounded up
func (h Handoff) KernelSizeKiB() uint32 {
	return (h.KernelEnd - h.KernelStart + 1023) / 1024
}

// Enter writes the boot directory and tables, loads the paging root, enables paging and returns
// the relocated handoff state. It must run with paging disabled.
func Enter(logger *slog.Logger, c *cpu.CPU, params Params) (Handoff, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.PagingEnabled() {
		return Handoff{}, ErrPagingEnabled
	}

	stackLimit := paging.HigherHalfBase + WindowSize
	if params.StackBase < paging.HigherHalfBase || params.StackSize > stackLimit-params.StackBase {
		return Handoff{}, cerrors.Wrapf(ErrBadStack, "stack %#x+%#x", params.StackBase, params.StackSize)
	}

	bootInfo, err := Window.PhysToVirt(params.BootInfo)
	if err != nil {
		return Handoff{}, cerrors.Wrapf(err, "boot info %#x", params.BootInfo)
	}

	mem := c.Memory()
	for _, frame := range []uint32{TempDirectory, TempLowTable, TempHighTable} {
		if err := mem.ZeroFrame(frame); err != nil {
			return Handoff{}, err
		}
	}

	rowFlags := paging.FlagPresent | paging.FlagWritable
	rows := []struct {
		index uint32
		table uint32
	}{
		{0, TempLowTable},
		{paging.DirectoryIndex(paging.HigherHalfBase), TempHighTable},
	}
	for _, row := range rows {
		err := mem.WriteWord(TempDirectory+row.index*paging.EntrySize, uint32(paging.NewEntry(row.table, rowFlags)))
		if err != nil {
			return Handoff{}, err
		}
	}

	for i := uint32(0); i < paging.EntriesPerTable; i++ {
		entry := uint32(paging.NewEntry(i<<paging.PageShift, rowFlags))
		if err := mem.WriteWord(TempLowTable+i*paging.EntrySize, entry); err != nil {
			return Handoff{}, err
		}
		if err := mem.WriteWord(TempHighTable+i*paging.EntrySize, entry); err != nil {
			return Handoff{}, err
		}
	}

	c.SetRoot(TempDirectory)
	c.EnablePaging()

	handoff := Handoff{
		BootInfo:    bootInfo,
		StackBottom: memutils.AlignDown(params.StackBase, stackAlignment),
		StackTop:    memutils.AlignDown(params.StackBase+params.StackSize, stackAlignment),
		KernelStart: params.KernelStart,
		KernelEnd:   params.KernelEnd,
	}

	logger.LogAttrs(context.Background(), slog.LevelInfo, "paging enabled",
		slog.String("directory", fmt.Sprintf("0x%08X", TempDirectory)),
		slog.String("stackTop", fmt.Sprintf("0x%08X", handoff.StackTop)),
		slog.String("bootInfo", fmt.Sprintf("0x%08X", handoff.BootInfo)),
		slog.Uint64("kernelKiB", uint64(handoff.KernelSizeKiB())),
	)
	return handoff, nil
}
