package metadata

import (
	"math"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/mortyos/memcore/memutils"
	"github.com/pkg/errors"
)

// ChunkHandle identifies one chunk record in a ChunkList. Handles are recycled after a chunk is
// dropped from the list.
type ChunkHandle uint32

const (
	NoChunk ChunkHandle = math.MaxUint32
)

var (
	ErrUnknownChunk     = errors.New("received a handle that was incompatible with this chunk list")
	ErrChunkNotContinue = errors.New("chunk does not start where the list ends")
)

type chunk struct {
	start     uint32
	length    uint32
	allocated bool
	live      bool

	prev ChunkHandle
	next ChunkHandle
}

// ChunkList is an address-ordered, gap-free, doubly linked list of chunks over one arena. Links
// are handles into a side table instead of addresses stored in the arena, so every traversal is
// bounds checked. A chunk's length includes its header.
type ChunkList struct {
	headerSize uint32

	chunks   []chunk
	recycled []ChunkHandle
	head     ChunkHandle
	tail     ChunkHandle

	byStart    *swiss.Map[uint32, ChunkHandle]
	allocCount int
	freeCount  int
}

var _ memutils.Validatable = &ChunkList{}

func NewChunkList(headerSize uint32) *ChunkList {
	memutils.DebugCheckPow2(headerSize, "headerSize")

	return &ChunkList{
		headerSize: headerSize,
		head:       NoChunk,
		tail:       NoChunk,
		byStart:    swiss.NewMap[uint32, ChunkHandle](42),
	}
}

func (l *ChunkList) Head() ChunkHandle { return l.head }

func (l *ChunkList) Tail() ChunkHandle { return l.tail }

// Len returns the number of chunks in the list
func (l *ChunkList) Len() int { return l.allocCount + l.freeCount }

func (l *ChunkList) get(handle ChunkHandle) *chunk {
	if int(handle) >= len(l.chunks) || !l.chunks[handle].live {
		panic(errors.Wrapf(ErrUnknownChunk, "handle %d", handle))
	}
	return &l.chunks[handle]
}

func (l *ChunkList) Next(handle ChunkHandle) ChunkHandle { return l.get(handle).next }

func (l *ChunkList) Prev(handle ChunkHandle) ChunkHandle { return l.get(handle).prev }

func (l *ChunkList) Start(handle ChunkHandle) uint32 { return l.get(handle).start }

// End returns the first address past the chunk
func (l *ChunkList) End(handle ChunkHandle) uint32 {
	c := l.get(handle)
	return c.start + c.length
}

func (l *ChunkList) IsAllocated(handle ChunkHandle) bool { return l.get(handle).allocated }

func (l *ChunkList) SetAllocated(handle ChunkHandle, allocated bool) {
	c := l.get(handle)
	if c.allocated == allocated {
		return
	}

	c.allocated = allocated
	if allocated {
		l.allocCount++
		l.freeCount--
	} else {
		l.allocCount--
		l.freeCount++
	}
}

// Lookup finds the chunk that starts at the provided address
func (l *ChunkList) Lookup(start uint32) (ChunkHandle, bool) {
	return l.byStart.Get(start)
}

func (l *ChunkList) newChunk(start, length uint32, allocated bool) ChunkHandle {
	var handle ChunkHandle
	if n := len(l.recycled); n > 0 {
		handle = l.recycled[n-1]
		l.recycled = l.recycled[:n-1]
	} else {
		handle = ChunkHandle(len(l.chunks))
		l.chunks = append(l.chunks, chunk{})
	}

	l.chunks[handle] = chunk{
		start:     start,
		length:    length,
		allocated: allocated,
		live:      true,
		prev:      NoChunk,
		next:      NoChunk,
	}
	l.byStart.Put(start, handle)

	if allocated {
		l.allocCount++
	} else {
		l.freeCount++
	}
	return handle
}

func (l *ChunkList) dropChunk(handle ChunkHandle) {
	c := l.get(handle)
	if c.allocated {
		l.allocCount--
	} else {
		l.freeCount--
	}

	l.byStart.Delete(c.start)
	*c = chunk{prev: NoChunk, next: NoChunk}
	l.recycled = append(l.recycled, handle)
}

// FindFirstFit walks the list in address order and returns the first free chunk of at least
// length bytes, or NoChunk
func (l *ChunkList) FindFirstFit(length uint32) ChunkHandle {
	for handle := l.head; handle != NoChunk; handle = l.chunks[handle].next {
		c := &l.chunks[handle]
		if !c.allocated && c.length >= length {
			return handle
		}
	}
	return NoChunk
}

// Append adds a chunk at the tail. It must start exactly where the current tail ends.
func (l *ChunkList) Append(start, length uint32, allocated bool) (ChunkHandle, error) {
	if l.tail != NoChunk && l.End(l.tail) != start {
		return NoChunk, errors.Wrapf(ErrChunkNotContinue, "list ends at %#x, chunk starts at %#x", l.End(l.tail), start)
	}

	handle := l.newChunk(start, length, allocated)
	c := &l.chunks[handle]
	c.prev = l.tail

	if l.tail == NoChunk {
		l.head = handle
	} else {
		l.chunks[l.tail].next = handle
	}
	l.tail = handle
	return handle, nil
}

// Split divides the chunk into a head of exactly length bytes and a free chunk holding the
// remainder, linked directly after the head. If the remainder could not hold a header the chunk
// is left whole and NoChunk is returned.
func (l *ChunkList) Split(handle ChunkHandle, length uint32) ChunkHandle {
	c := l.get(handle)
	if c.length < length || c.length-length <= l.headerSize {
		return NoChunk
	}

	remainderStart := c.start + length
	remainderLength := c.length - length
	oldNext := c.next
	c.length = length

	remainder := l.newChunk(remainderStart, remainderLength, false)
	l.chunks[remainder].prev = handle
	l.chunks[remainder].next = oldNext
	l.chunks[handle].next = remainder

	if oldNext == NoChunk {
		l.tail = remainder
	} else {
		l.chunks[oldNext].prev = remainder
	}
	return remainder
}

// MergeNext absorbs the chunk's successor into it. The merged chunk keeps the allocation state of
// handle.
func (l *ChunkList) MergeNext(handle ChunkHandle) {
	c := l.get(handle)
	if c.next == NoChunk {
		return
	}

	next := l.get(c.next)
	absorbed := c.next
	c.length += next.length
	c.next = next.next

	if c.next == NoChunk {
		l.tail = handle
	} else {
		l.chunks[c.next].prev = handle
	}
	l.dropChunk(absorbed)
}

// RemoveTail drops the last chunk from the list
func (l *ChunkList) RemoveTail() {
	if l.tail == NoChunk {
		return
	}

	removed := l.tail
	prev := l.chunks[removed].prev
	if prev == NoChunk {
		l.head = NoChunk
	} else {
		l.chunks[prev].next = NoChunk
	}
	l.tail = prev
	l.dropChunk(removed)
}

// VisitAllChunks will call the provided callback once for each chunk in address order. Iteration
// stops at the first error.
func (l *ChunkList) VisitAllChunks(visit func(handle ChunkHandle, start, length uint32, allocated bool) error) error {
	for handle := l.head; handle != NoChunk; handle = l.chunks[handle].next {
		c := &l.chunks[handle]
		if err := visit(handle, c.start, c.length, c.allocated); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the structural invariants of the list: links agree in both directions,
// chunks are contiguous and in increasing address order, no two neighbours are both free,
// every chunk can hold its header and the counters and start index match the walk.
func (l *ChunkList) Validate() error {
	if (l.head == NoChunk) != (l.tail == NoChunk) {
		return errors.New("chunk list head and tail disagree about whether the list is empty")
	}

	var allocCount, freeCount int
	prev := NoChunk
	prevFree := false
	var expectedStart uint32

	for handle := l.head; handle != NoChunk; handle = l.chunks[handle].next {
		if int(handle) >= len(l.chunks) || !l.chunks[handle].live {
			return errors.Errorf("chunk list links to dead handle %d", handle)
		}
		c := &l.chunks[handle]

		if c.prev != prev {
			return errors.Errorf("chunk at %#x has a broken back-link", c.start)
		}
		if prev != NoChunk && c.start != expectedStart {
			return errors.Errorf("chunk at %#x does not start where the previous chunk ends (%#x)", c.start, expectedStart)
		}
		if c.length < l.headerSize {
			return errors.Errorf("chunk at %#x is %d bytes, smaller than its header", c.start, c.length)
		}
		if !c.allocated && prevFree {
			return errors.Errorf("chunk at %#x and its predecessor are both free", c.start)
		}
		if indexed, ok := l.byStart.Get(c.start); !ok || indexed != handle {
			return errors.Errorf("chunk at %#x is missing from the start index", c.start)
		}

		if c.allocated {
			allocCount++
		} else {
			freeCount++
		}

		prevFree = !c.allocated
		expectedStart = c.start + c.length
		prev = handle
	}

	if prev != l.tail {
		return errors.New("chunk list tail is not the last chunk reached from the head")
	}
	if allocCount != l.allocCount {
		return errors.Errorf("the allocation count of the list is %d, but the allocated chunks only added up to %d", l.allocCount, allocCount)
	}
	if freeCount != l.freeCount {
		return errors.Errorf("the free chunk count of the list is %d, but there were %d free chunks", l.freeCount, freeCount)
	}
	if l.byStart.Count() != allocCount+freeCount {
		return errors.Errorf("the start index holds %d chunks, but the list holds %d", l.byStart.Count(), allocCount+freeCount)
	}
	return nil
}

// AddDetailedStatistics sums this list's chunks into the provided statistics
func (l *ChunkList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for handle := l.head; handle != NoChunk; handle = l.chunks[handle].next {
		c := &l.chunks[handle]
		if c.allocated {
			stats.AddAllocation(int(c.length))
		} else {
			stats.AddFreeChunk(int(c.length))
		}
	}
}

// BlockJsonData populates a json object with summary information and every chunk in the list
func (l *ChunkList) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	l.AddDetailedStatistics(&stats)

	json.Name("Chunks").Int(l.Len())
	json.Name("Allocations").Int(l.allocCount)
	json.Name("AllocatedBytes").Int(stats.AllocationBytes)
	json.Name("FreeChunks").Int(l.freeCount)
	json.Name("FreeBytes").Int(stats.FreeBytes)

	array := json.Name("ChunkList").Array()
	for handle := l.head; handle != NoChunk; handle = l.chunks[handle].next {
		c := &l.chunks[handle]
		obj := array.Object()
		obj.Name("Address").Int(int(c.start))
		obj.Name("Allocated").Bool(c.allocated)
		obj.Name("Length").Int(int(c.length))
		obj.End()
	}
	array.End()
}
