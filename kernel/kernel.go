// Package kernel is the outermost initialization boundary. Boot brings up one simulated machine
// in order: paging bootstrap, physical page pool, kernel directory, heap. The package also keeps
// the single process-wide instance used by Malloc and Free.
package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/mortyos/memcore/boot"
	"github.com/mortyos/memcore/cpu"
	"github.com/mortyos/memcore/heap"
	"github.com/mortyos/memcore/physmem"
	"github.com/mortyos/memcore/vmm"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	ErrNotBooted     = errors.New("kernel has not been booted")
	ErrAlreadyBooted = errors.New("kernel is already booted")
)

// Kernel is one booted machine
type Kernel struct {
	Config  Config
	Logger  *slog.Logger
	Memory  *physmem.Memory
	CPU     *cpu.CPU
	Handoff boot.Handoff
	Frames  *physmem.FramePool
	VMM     *vmm.Manager
	Heap    *heap.Heap
}

// Boot validates cfg and brings up a machine from it
func Boot(logger *slog.Logger, cfg Config) (*Kernel, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	layout := vmm.ReserveStatic(cfg.KernelEnd)
	if layout.End > boot.WindowSize {
		return nil, cerrors.Wrapf(ErrInvalidConfig, "kernel directory and tables end at %#x, past the boot window", layout.End)
	}
	if layout.End > cfg.MemorySize {
		return nil, cerrors.Wrapf(ErrInvalidConfig, "kernel directory and tables end at %#x, past installed memory", layout.End)
	}

	mem := physmem.NewMemory(cfg.MemorySize)
	c := cpu.New(logger, mem)

	handoff, err := boot.Enter(logger, c, boot.Params{
		BootInfo:    cfg.BootInfo,
		KernelStart: cfg.KernelStart,
		KernelEnd:   cfg.KernelEnd,
		StackBase:   cfg.StackBase,
		StackSize:   cfg.StackSize,
	})
	if err != nil {
		return nil, cerrors.Wrap(err, "paging bootstrap failed")
	}

	frames := physmem.NewFramePool(logger, cfg.MemoryMap, layout.End)

	manager := vmm.New(logger, c, frames, vmm.Options{
		Layout:       layout,
		Synchronized: cfg.Synchronized,
	})
	if err := manager.Init(); err != nil {
		return nil, cerrors.Wrap(err, "virtual memory initialization failed")
	}

	kernelHeap, err := heap.New(logger, manager.KernelSpace(), frames, heap.Options{
		Start:        cfg.HeapStart,
		Synchronized: cfg.Synchronized,
	})
	if err != nil {
		return nil, err
	}

	logger.LogAttrs(context.Background(), slog.LevelInfo, "kernel memory ready",
		slog.Uint64("kernelKiB", uint64(handoff.KernelSizeKiB())),
		slog.Int("freePages", frames.FreeCount()),
		slog.String("heapStart", fmt.Sprintf("0x%08X", kernelHeap.Start())),
	)

	return &Kernel{
		Config:  cfg,
		Logger:  logger,
		Memory:  mem,
		CPU:     c,
		Handoff: handoff,
		Frames:  frames,
		VMM:     manager,
		Heap:    kernelHeap,
	}, nil
}

var (
	currentLock sync.Mutex
	current     *Kernel
)

// Init boots the process-wide kernel
func Init(logger *slog.Logger, cfg Config) error {
	currentLock.Lock()
	defer currentLock.Unlock()

	if current != nil {
		return ErrAlreadyBooted
	}
	k, err := Boot(logger, cfg)
	if err != nil {
		return err
	}
	current = k
	return nil
}

// Current returns the process-wide kernel, or nil before Init
func Current() *Kernel {
	currentLock.Lock()
	defer currentLock.Unlock()

	return current
}

// Shutdown forgets the process-wide kernel so Init can run again
func Shutdown() {
	currentLock.Lock()
	defer currentLock.Unlock()

	current = nil
}

// Malloc allocates from the process-wide kernel heap
func Malloc(size uint32) (uint32, error) {
	k := Current()
	if k == nil {
		return 0, ErrNotBooted
	}
	return k.Heap.Allocate(size)
}

// Free releases an allocation made by Malloc
func Free(ptr uint32) error {
	k := Current()
	if k == nil {
		return ErrNotBooted
	}
	return k.Heap.Free(ptr)
}
