package kernel

import (
	"github.com/BurntSushi/toml"
	cerrors "github.com/cockroachdb/errors"
	"github.com/mortyos/memcore/boot"
	"github.com/mortyos/memcore/memutils"
	"github.com/mortyos/memcore/paging"
	"github.com/mortyos/memcore/physmem"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned when a machine description cannot be booted
var ErrInvalidConfig = errors.New("invalid machine configuration")

// Config describes the simulated machine and what the loader handed over
type Config struct {
	// MemorySize is the amount of physical memory installed, in bytes
	MemorySize uint32 `toml:"memory_size"`
	// MemoryMap is the loader-provided physical memory map
	MemoryMap []physmem.Region `toml:"memory_map"`

	KernelStart uint32 `toml:"kernel_start"`
	KernelEnd   uint32 `toml:"kernel_end"`
	StackBase   uint32 `toml:"stack_base"`
	StackSize   uint32 `toml:"stack_size"`
	BootInfo    uint32 `toml:"boot_info"`

	// HeapStart is the heap arena base. Zero selects heap.DefaultStart.
	HeapStart uint32 `toml:"heap_start"`
	// Synchronized makes the heap and the VMM lock internally
	Synchronized bool `toml:"synchronized"`
}

// DefaultConfig describes a 64 MiB machine with a small kernel loaded at 1 MiB
func DefaultConfig() Config {
	return Config{
		MemorySize: 64 << 20,
		MemoryMap: []physmem.Region{
			{Base: 0x0, Length: 0x9FC00, Type: physmem.RegionAvailable},
			{Base: 0x9FC00, Length: 0x400, Type: physmem.RegionReserved},
			{Base: 0xF0000, Length: 0x10000, Type: physmem.RegionReserved},
			{Base: 0x100000, Length: (64 << 20) - 0x100000, Type: physmem.RegionAvailable},
		},
		KernelStart: 0x100000,
		KernelEnd:   0x10A7F3,
		StackBase:   0xC0106000,
		StackSize:   0x4000,
		BootInfo:    0x9500,
	}
}

// LoadConfig reads a TOML machine description. Keys missing from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, cerrors.Wrapf(err, "failed to load machine config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes a TOML machine description held in memory
func ParseConfig(data string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, cerrors.Wrap(err, "failed to parse machine config")
	}
	return cfg, nil
}

// Validate checks that the machine can be booted: memory and memory map agree, the kernel image
// and its static paging structures fit in the boot window, and the stack lies inside it.
func (c Config) Validate() error {
	if c.MemorySize == 0 || !memutils.IsAligned(c.MemorySize, paging.PageSize) {
		return cerrors.Wrapf(ErrInvalidConfig, "memory size %#x is not a positive whole number of pages", c.MemorySize)
	}
	for _, region := range c.MemoryMap {
		if region.Type != physmem.RegionAvailable {
			continue
		}
		if uint64(region.Base)+uint64(region.Length) > uint64(c.MemorySize) {
			return cerrors.Wrapf(ErrInvalidConfig, "region %#x+%#x runs past installed memory", region.Base, region.Length)
		}
	}

	if c.KernelEnd <= c.KernelStart {
		return cerrors.Wrapf(ErrInvalidConfig, "kernel image %#x-%#x is empty", c.KernelStart, c.KernelEnd)
	}
	if c.KernelEnd > boot.WindowSize || c.BootInfo >= boot.WindowSize {
		return cerrors.Wrapf(ErrInvalidConfig, "kernel image and boot info must lie in the first %#x bytes", boot.WindowSize)
	}
	if c.HeapStart != 0 && !memutils.IsAligned(c.HeapStart, paging.PageSize) {
		return cerrors.Wrapf(ErrInvalidConfig, "heap start %#x is not page aligned", c.HeapStart)
	}
	if paging.KernelWindow.Contains(c.HeapStart) {
		return cerrors.Wrapf(ErrInvalidConfig, "heap start %#x is inside the kernel's linear window", c.HeapStart)
	}
	return nil
}
