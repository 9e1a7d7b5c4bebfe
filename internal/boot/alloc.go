package boot

import (
	"fmt"

	"github.com/tinyrange/raspiboot/internal/memmap"
	"github.com/tinyrange/raspiboot/internal/pmm"
)

// bootAllocator wraps the frame allocator so every frame the bootloader
// takes for itself is recorded in the memory map as BLReserved. The kernel
// inherits the map, so an untracked allocation would be a frame the kernel
// believes is free.
type bootAllocator struct {
	frames *pmm.FrameAllocator
	mmap   *memmap.Map
}

func (a *bootAllocator) AllocateFrame() (uint64, error) {
	frame, err := a.frames.AllocateFrame()
	if err != nil {
		return 0, err
	}
	entry := memmap.NewEntry(memmap.BLReserved, frame, frame+a.frames.PageSize())
	if err := a.mmap.AddEntry(entry); err != nil {
		return 0, fmt.Errorf("boot: record allocation at %#x: %w", frame, err)
	}
	return frame, nil
}

func (a *bootAllocator) DeallocateFrame(addr uint64) error {
	return a.frames.DeallocateFrame(addr)
}
