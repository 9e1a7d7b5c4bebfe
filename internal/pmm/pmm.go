// Package pmm implements the physical page frame allocator: a LIFO
// freelist whose nodes are stored inside the free frames themselves, so no
// bookkeeping memory is needed before a heap exists.
package pmm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/raspiboot/internal/machine"
)

var (
	// ErrOutOfFrames is returned by AllocateFrame on an empty freelist.
	ErrOutOfFrames = errors.New("pmm: out of usable frames")
	// ErrBadFrame rejects null or misaligned frame addresses.
	ErrBadFrame = errors.New("pmm: frame address is null or misaligned")
)

// FrameAllocator hands out page frames of guest physical memory. Each free
// frame holds the address of the next free frame at offset 0; a zero head
// means empty, which is why the null frame is never accepted — it stays a
// detectable fault address.
//
// The allocator is not internally synchronised; callers wrap it in a lock.
type FrameAllocator struct {
	mem      machine.PhysicalMemory
	head     uint64
	numFree  uint64
	pageSize uint64
}

// New creates an empty allocator over mem with the given page size, which
// must be a power of two.
func New(mem machine.PhysicalMemory, pageSize uint64) (*FrameAllocator, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("pmm: page size %#x is not a power of 2", pageSize)
	}
	return &FrameAllocator{mem: mem, pageSize: pageSize}, nil
}

// PageSize returns the frame size in bytes.
func (a *FrameAllocator) PageSize() uint64 { return a.pageSize }

// NumFreeFrames returns the count of frames currently on the freelist.
func (a *FrameAllocator) NumFreeFrames() uint64 { return a.numFree }

// DeallocateFrame pushes a frame onto the freelist. It is used both to
// return an allocated frame and to seed the allocator from Free regions of
// the memory map. The frame's contents are dead once freed, except for the
// next pointer written at offset 0.
func (a *FrameAllocator) DeallocateFrame(addr uint64) error {
	if addr == 0 || addr%a.pageSize != 0 {
		return ErrBadFrame
	}
	if err := machine.WriteUint64(a.mem, addr, a.head); err != nil {
		return fmt.Errorf("pmm: write freelist node at %#x: %w", addr, err)
	}
	a.head = addr
	a.numFree++
	return nil
}

// AllocateFrame pops the head frame and zero-fills it before returning.
// Zeroing is part of the contract: translation-table frames and leaf data
// both rely on freshly zeroed memory.
func (a *FrameAllocator) AllocateFrame() (uint64, error) {
	if a.head == 0 {
		return 0, ErrOutOfFrames
	}
	frame := a.head
	next, err := machine.ReadUint64(a.mem, frame)
	if err != nil {
		return 0, fmt.Errorf("pmm: read freelist node at %#x: %w", frame, err)
	}
	a.head = next
	a.numFree--
	if err := machine.ZeroRange(a.mem, frame, a.pageSize); err != nil {
		return 0, fmt.Errorf("pmm: zero frame at %#x: %w", frame, err)
	}
	return frame, nil
}
