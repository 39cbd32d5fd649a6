package physmem

//go:generate mockgen -source allocator.go -destination ./mocks/allocator.go -package mock_physmem

import (
	"context"
	"io"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/mortyos/memcore/memutils"
	"github.com/mortyos/memcore/paging"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var (
	// ErrOutOfFrames is returned when the pool has no free frame left
	ErrOutOfFrames = errors.New("physical memory exhausted")
	// ErrFrameNotAllocated is returned when a frame is freed that is not currently handed out
	ErrFrameNotAllocated = errors.New("frame is not allocated")
)

// FrameAllocator hands out and reclaims physical page frames. Frame addresses are always
// page aligned.
type FrameAllocator interface {
	AllocFrame() (uint32, error)
	FreeFrame(frame uint32) error
}

// RegionType matches the type field of a multiboot memory map entry
type RegionType uint32

const (
	RegionAvailable RegionType = 1
	RegionReserved  RegionType = 2
)

func (t RegionType) String() string {
	switch t {
	case RegionAvailable:
		return "Available"
	case RegionReserved:
		return "Reserved"
	default:
		return "Unknown"
	}
}

// Region is one entry of the boot-provided physical memory map
type Region struct {
	Base   uint32     `toml:"base"`
	Length uint32     `toml:"length"`
	Type   RegionType `toml:"type"`
}

// FramePool is the kernel's physical page allocator. It manages every whole frame of the
// available regions that lies above the reserved low area (kernel image and static paging
// structures) and inside the kernel's linear window. The lowest free frame is always handed out
// first.
type FramePool struct {
	logger    *slog.Logger
	regions   []Region
	pageCount int
	free      *btree.BTreeG[uint32]
	used      *swiss.Map[uint32, struct{}]
}

var _ FrameAllocator = &FramePool{}

// NewFramePool builds the pool from a memory map. Frames below reservedEnd are never handed out.
func NewFramePool(logger *slog.Logger, regions []Region, reservedEnd uint32) *FramePool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool := &FramePool{
		logger:  logger,
		regions: append([]Region(nil), regions...),
		free:    btree.NewG[uint32](32, func(a, b uint32) bool { return a < b }),
		used:    swiss.NewMap[uint32, struct{}](64),
	}

	floor := memutils.AlignUp(reservedEnd, paging.PageSize)
	for _, region := range regions {
		if region.Type != RegionAvailable {
			continue
		}

		start := memutils.AlignUp(uint64(region.Base), uint64(paging.PageSize))
		end := memutils.AlignDown(uint64(region.Base)+uint64(region.Length), uint64(paging.PageSize))
		if start < uint64(floor) {
			start = uint64(floor)
		}
		if end > uint64(paging.KernelWindowSize) {
			end = uint64(paging.KernelWindowSize)
		}

		for frame := start; frame < end; frame += uint64(paging.PageSize) {
			if _, exists := pool.free.ReplaceOrInsert(uint32(frame)); !exists {
				pool.pageCount++
			}
		}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "physical page pool ready",
		slog.Int("pages", pool.pageCount),
		slog.String("floor", hex(floor)),
	)
	return pool
}

// AllocFrame hands out the lowest free frame
func (p *FramePool) AllocFrame() (uint32, error) {
	frame, ok := p.free.DeleteMin()
	if !ok {
		return 0, cerrors.Wrapf(ErrOutOfFrames, "all %d pages in use", p.pageCount)
	}
	p.used.Put(frame, struct{}{})
	return frame, nil
}

// FreeFrame returns a frame previously handed out by AllocFrame
func (p *FramePool) FreeFrame(frame uint32) error {
	if !p.used.Has(frame) {
		return cerrors.Wrapf(ErrFrameNotAllocated, "frame %#x", frame)
	}
	p.used.Delete(frame)
	p.free.ReplaceOrInsert(frame)
	return nil
}

// PageCount returns the number of frames the pool manages
func (p *FramePool) PageCount() int { return p.pageCount }

// FreeCount returns the number of frames currently available
func (p *FramePool) FreeCount() int { return p.free.Len() }

// UsedCount returns the number of frames currently handed out
func (p *FramePool) UsedCount() int { return p.used.Count() }

// MemoryMap returns the memory map the pool was built from
func (p *FramePool) MemoryMap() []Region {
	return append([]Region(nil), p.regions...)
}

// LogMemoryMap writes one line per memory map region, the way the boot console shows it
func (p *FramePool) LogMemoryMap() {
	for _, region := range p.regions {
		p.logger.LogAttrs(context.Background(), slog.LevelInfo, "memory region",
			slog.String("base", hex(region.Base)),
			slog.String("length", hex(region.Length)),
			slog.String("type", region.Type.String()),
		)
	}
	p.logger.LogAttrs(context.Background(), slog.LevelInfo, "physical pages",
		slog.Int("total", p.pageCount),
		slog.Int("free", p.FreeCount()),
	)
}
