// Package heap is the kernel's byte allocator: a first-fit, address-ordered list of chunks over a
// single arena that grows and shrinks one page at a time through the virtual memory manager.
package heap

import (
	"context"
	"fmt"
	"io"
	"math"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/mortyos/memcore/internal/utils"
	"github.com/mortyos/memcore/memutils"
	"github.com/mortyos/memcore/memutils/metadata"
	"github.com/mortyos/memcore/paging"
	"github.com/mortyos/memcore/physmem"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const (
	// HeaderSize is the bookkeeping charged to every chunk: previous link, next link, allocated
	// flag and length, 32 bits each
	HeaderSize uint32 = 16
	// DefaultStart is the arena base, the first address above the kernel's linear window
	DefaultStart uint32 = paging.HigherHalfBase + paging.KernelWindowSize

	// the last page of the address space is never part of the arena
	arenaLimit = uint64(math.MaxUint32) + 1 - uint64(paging.PageSize)
)

var (
	// ErrDoubleFree is returned when a pointer is freed while its chunk is already free
	ErrDoubleFree = errors.New("pointer was already freed")
	// ErrInvalidFree is returned for pointers that were never returned by Allocate, or whose chunk
	// no longer exists because it was merged into a neighbour after being freed
	ErrInvalidFree = errors.New("pointer was not allocated by this heap")
	// ErrOutOfAddressSpace is returned when a request would run the arena past the top of the
	// address space
	ErrOutOfAddressSpace = errors.New("heap arena would exceed the address space")
	// ErrArenaCorrupt is returned when a page the arena believes it owns is not mapped
	ErrArenaCorrupt = errors.New("heap arena page is not mapped")
)

// Options configures a Heap
type Options struct {
	// Start is the page-aligned arena base. Defaults to DefaultStart.
	Start uint32
	// Synchronized makes Allocate and Free take an internal lock
	Synchronized bool
}

// ChunkInfo describes one chunk for diagnostics. Address is where the chunk's header begins and
// Length includes the header.
type ChunkInfo struct {
	Address   uint32
	Allocated bool
	Length    uint32
}

// Heap is a kernel heap instance. The zero value is not usable; call New.
type Heap struct {
	logger *slog.Logger
	mapper Mapper
	frames physmem.FrameAllocator

	start  uint32
	max    uint32
	chunks *metadata.ChunkList

	lock utils.OptionalMutex
}

var _ memutils.Validatable = &Heap{}
var _ memutils.Validatable = heldHeap{}

func New(logger *slog.Logger, mapper Mapper, frames physmem.FrameAllocator, options Options) (*Heap, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	start := options.Start
	if start == 0 {
		start = DefaultStart
	}
	if err := memutils.CheckAligned(start, paging.PageSize, "heap start"); err != nil {
		return nil, err
	}

	return &Heap{
		logger: logger,
		mapper: mapper,
		frames: frames,
		start:  start,
		max:    start,
		chunks: metadata.NewChunkList(HeaderSize),
		lock:   utils.OptionalMutex{UseMutex: options.Synchronized},
	}, nil
}

// Start returns the arena base
func (h *Heap) Start() uint32 { return h.start }

// HighWaterMark returns the end of the mapped part of the arena. It is always page aligned.
func (h *Heap) HighWaterMark() uint32 {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.max
}

// Allocate returns the address of size usable bytes. The first free chunk that fits is used,
// split if the remainder can hold a chunk of its own. When no chunk fits, a new one is appended
// after the last chunk and the arena is grown by whole pages to cover it.
func (h *Heap) Allocate(size uint32) (uint32, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if size > math.MaxUint32-HeaderSize {
		return 0, cerrors.Wrapf(ErrOutOfAddressSpace, "request of %d bytes", size)
	}
	length := size + HeaderSize

	if handle := h.chunks.FindFirstFit(length); handle != metadata.NoChunk {
		h.chunks.Split(handle, length)
		h.chunks.SetAllocated(handle, true)
		memutils.DebugValidate(heldHeap{h})
		return h.chunks.Start(handle) + HeaderSize, nil
	}

	chunkStart := h.start
	if tail := h.chunks.Tail(); tail != metadata.NoChunk {
		chunkStart = h.chunks.End(tail)
	}
	if uint64(chunkStart)+uint64(length) > arenaLimit {
		return 0, cerrors.Wrapf(ErrOutOfAddressSpace, "chunk of %d bytes at 0x%08X", length, chunkStart)
	}

	if err := h.grow(chunkStart + length); err != nil {
		return 0, err
	}
	if _, err := h.chunks.Append(chunkStart, length, true); err != nil {
		return 0, err
	}

	memutils.DebugValidate(heldHeap{h})
	return chunkStart + HeaderSize, nil
}

// grow maps fresh frames at the high-water mark until it reaches end. A failure unmaps and
// returns every page mapped by this call.
func (h *Heap) grow(end uint32) error {
	original := h.max
	for uint64(h.max) < uint64(end) {
		frame, err := h.frames.AllocFrame()
		if err == nil {
			err = h.mapper.Map(h.max, frame, paging.FlagPresent|paging.FlagWritable)
			if err != nil {
				_ = h.frames.FreeFrame(frame)
			}
		}
		if err != nil {
			if rollbackErr := h.shrinkTo(original); rollbackErr != nil {
				return cerrors.CombineErrors(err, rollbackErr)
			}
			return cerrors.Wrapf(err, "failed to grow heap arena to 0x%08X", end)
		}

		h.logger.Debug("heap arena grown",
			slog.String("page", fmt.Sprintf("0x%08X", h.max)),
			slog.String("frame", fmt.Sprintf("0x%08X", frame)),
		)
		h.max += paging.PageSize
	}
	return nil
}

// shrinkTo unmaps pages from the top of the arena, returning their frames, while the page below
// the high-water mark starts at or above floor
func (h *Heap) shrinkTo(floor uint32) error {
	for uint64(h.max) >= uint64(floor)+uint64(paging.PageSize) {
		page := h.max - paging.PageSize
		frame, mapped := h.mapper.Lookup(page)
		if !mapped {
			return cerrors.Wrapf(ErrArenaCorrupt, "page 0x%08X", page)
		}
		if err := h.mapper.Unmap(page); err != nil {
			return err
		}
		if err := h.frames.FreeFrame(frame); err != nil {
			return err
		}

		h.logger.Debug("heap arena shrunk",
			slog.String("page", fmt.Sprintf("0x%08X", page)),
			slog.String("frame", fmt.Sprintf("0x%08X", frame)),
		)
		h.max = page
	}
	return nil
}

// Free releases the allocation at ptr, merges it with free neighbours and, when the merged chunk
// ends the arena, drops it and returns every page lying wholly at or above its start
func (h *Heap) Free(ptr uint32) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if ptr < h.start+HeaderSize {
		return cerrors.Wrapf(ErrInvalidFree, "pointer 0x%08X", ptr)
	}
	handle, ok := h.chunks.Lookup(ptr - HeaderSize)
	if !ok {
		return cerrors.Wrapf(ErrInvalidFree, "pointer 0x%08X", ptr)
	}
	if !h.chunks.IsAllocated(handle) {
		return cerrors.Wrapf(ErrDoubleFree, "pointer 0x%08X", ptr)
	}

	h.chunks.SetAllocated(handle, false)
	err := h.coalesce(handle)
	memutils.DebugValidate(heldHeap{h})
	return err
}

func (h *Heap) coalesce(handle metadata.ChunkHandle) error {
	if next := h.chunks.Next(handle); next != metadata.NoChunk && !h.chunks.IsAllocated(next) {
		h.chunks.MergeNext(handle)
	}
	if prev := h.chunks.Prev(handle); prev != metadata.NoChunk && !h.chunks.IsAllocated(prev) {
		h.chunks.MergeNext(prev)
		handle = prev
	}

	if h.chunks.Next(handle) != metadata.NoChunk {
		return nil
	}
	return h.release(handle)
}

// release drops the free tail chunk and gives back the pages it alone occupied
func (h *Heap) release(handle metadata.ChunkHandle) error {
	chunkStart := h.chunks.Start(handle)
	h.chunks.RemoveTail()
	return h.shrinkTo(chunkStart)
}

// Dump lists every chunk in address order
func (h *Heap) Dump() []ChunkInfo {
	h.lock.Lock()
	defer h.lock.Unlock()

	chunks := make([]ChunkInfo, 0, h.chunks.Len())
	_ = h.chunks.VisitAllChunks(func(handle metadata.ChunkHandle, start, length uint32, allocated bool) error {
		chunks = append(chunks, ChunkInfo{Address: start, Allocated: allocated, Length: length})
		return nil
	})
	return chunks
}

// LogDump writes one line per chunk
func (h *Heap) LogDump() {
	for _, chunk := range h.Dump() {
		allocBit := 0
		if chunk.Allocated {
			allocBit = 1
		}
		h.logger.LogAttrs(context.Background(), slog.LevelInfo,
			fmt.Sprintf("[ChunkAddr(0x%X), allocBit(%d), ChunkLen(0x%x)]", chunk.Address, allocBit, chunk.Length),
		)
	}
}

// Statistics adds this heap's chunks and arena to stats
func (h *Heap) Statistics(stats *memutils.DetailedStatistics) {
	h.lock.Lock()
	defer h.lock.Unlock()

	stats.ArenaBytes += int(h.max - h.start)
	h.chunks.AddDetailedStatistics(stats)
}

// WriteJSON writes the arena bounds and every chunk into a json object
func (h *Heap) WriteJSON(json jwriter.ObjectState) {
	h.lock.Lock()
	defer h.lock.Unlock()

	json.Name("Start").Int(int(h.start))
	json.Name("HighWaterMark").Int(int(h.max))
	json.Name("ArenaBytes").Int(int(h.max - h.start))
	h.chunks.BlockJsonData(json)
}

// Validate checks the chunk list and the arena bounds: the list starts at the arena base, the
// high-water mark is page aligned, covers the last chunk and has every arena page mapped.
func (h *Heap) Validate() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.validate()
}

// heldHeap validates a heap whose lock the caller already holds
type heldHeap struct {
	heap *Heap
}

func (h heldHeap) Validate() error { return h.heap.validate() }

func (h *Heap) validate() error {
	if err := h.chunks.Validate(); err != nil {
		return err
	}
	if !memutils.IsAligned(h.max, paging.PageSize) {
		return errors.Errorf("heap high-water mark 0x%08X is not page aligned", h.max)
	}
	if h.max < h.start {
		return errors.Errorf("heap high-water mark 0x%08X is below the arena base 0x%08X", h.max, h.start)
	}

	if head := h.chunks.Head(); head != metadata.NoChunk {
		if h.chunks.Start(head) != h.start {
			return errors.Errorf("first chunk starts at 0x%08X instead of the arena base 0x%08X", h.chunks.Start(head), h.start)
		}
		if end := h.chunks.End(h.chunks.Tail()); end > h.max {
			return errors.Errorf("last chunk ends at 0x%08X, past the high-water mark 0x%08X", end, h.max)
		}
	}

	for page := h.start; page < h.max; page += paging.PageSize {
		if _, mapped := h.mapper.Lookup(page); !mapped {
			return cerrors.Wrapf(ErrArenaCorrupt, "page 0x%08X", page)
		}
	}
	return nil
}
