package ingest

import (
	"github.com/vietddude/graphnode/internal/core/domain"
)

// Segment is the tail of the chain the ingestor has emitted: contiguous block
// pointers, each the parent of the next. It keeps enough history to find the
// common ancestor of any reorg within the confirmation depth.
type Segment struct {
	blocks   []domain.BlockPtr
	capacity int
}

// NewSegment creates a segment retaining at most capacity blocks.
func NewSegment(capacity int) *Segment {
	if capacity < 1 {
		capacity = 1
	}
	return &Segment{capacity: capacity}
}

// Reset replaces the segment with ptrs, which must be ascending. Only the
// longest contiguous run ending at the last pointer is kept.
func (s *Segment) Reset(ptrs []domain.BlockPtr) {
	s.blocks = s.blocks[:0]
	if len(ptrs) == 0 {
		return
	}
	start := len(ptrs) - 1
	for start > 0 && ptrs[start-1].Number+1 == ptrs[start].Number {
		start--
	}
	s.blocks = append(s.blocks, ptrs[start:]...)
	s.trim()
}

// Push appends ptr, which must be the child of the current head.
func (s *Segment) Push(ptr domain.BlockPtr) {
	s.blocks = append(s.blocks, ptr)
	s.trim()
}

func (s *Segment) trim() {
	if extra := len(s.blocks) - s.capacity; extra > 0 {
		s.blocks = append(s.blocks[:0], s.blocks[extra:]...)
	}
}

// Head returns the newest block, or nil when empty.
func (s *Segment) Head() *domain.BlockPtr {
	if len(s.blocks) == 0 {
		return nil
	}
	h := s.blocks[len(s.blocks)-1]
	return &h
}

// Base returns the number of the oldest retained block.
func (s *Segment) Base() uint64 {
	if len(s.blocks) == 0 {
		return 0
	}
	return s.blocks[0].Number
}

// Has reports whether ptr is part of the segment.
func (s *Segment) Has(ptr domain.BlockPtr) bool {
	if len(s.blocks) == 0 || ptr.Number < s.blocks[0].Number {
		return false
	}
	i := ptr.Number - s.blocks[0].Number
	return i < uint64(len(s.blocks)) && s.blocks[i] == ptr
}

// At returns the retained pointer at number.
func (s *Segment) At(number uint64) (domain.BlockPtr, bool) {
	if len(s.blocks) == 0 || number < s.blocks[0].Number {
		return domain.BlockPtr{}, false
	}
	i := number - s.blocks[0].Number
	if i >= uint64(len(s.blocks)) {
		return domain.BlockPtr{}, false
	}
	return s.blocks[i], true
}

// TruncateTo drops every block above to. A nil to empties the segment.
func (s *Segment) TruncateTo(to *domain.BlockPtr) {
	if to == nil {
		s.blocks = s.blocks[:0]
		return
	}
	for len(s.blocks) > 0 && s.blocks[len(s.blocks)-1].Number > to.Number {
		s.blocks = s.blocks[:len(s.blocks)-1]
	}
}

// Len returns the number of retained blocks.
func (s *Segment) Len() int {
	return len(s.blocks)
}
