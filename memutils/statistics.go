package memutils

import "math"

// Statistics summarizes the state of an arena: how many bytes are backed by pages, how many chunks
// cover them, and how much of that is handed out to callers.
type Statistics struct {
	ArenaBytes      int
	ChunkCount      int
	AllocationCount int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.ArenaBytes = 0
	s.ChunkCount = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

// DetailedStatistics extends Statistics with free-range and size extremes. Call Clear before
// accumulating into it so the minimums start at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	FreeChunkCount    int
	FreeBytes         int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeChunkSizeMin  int
	FreeChunkSizeMax  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeChunkCount = 0
	s.FreeBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeChunkSizeMin = math.MaxInt
	s.FreeChunkSizeMax = 0
}

func (s *DetailedStatistics) AddFreeChunk(size int) {
	s.ChunkCount++
	s.FreeChunkCount++
	s.FreeBytes += size

	if size < s.FreeChunkSizeMin {
		s.FreeChunkSizeMin = size
	}

	if size > s.FreeChunkSizeMax {
		s.FreeChunkSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.ChunkCount++
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}
