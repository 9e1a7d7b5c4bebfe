package boot

import "fmt"

// LinkerMap carries the link-time addresses the bootloader binary exports.
// Each value is an address, not the byte stored there.
type LinkerMap struct {
	PageSize        uint64
	StackSize       uint64
	KernelVirtStart uint64
	BLStart         uint64
	BLEnd           uint64
	BLStackEnd      uint64
	BLStack         uint64
}

// DefaultLinkerMap is the layout the stock linker script produces.
func DefaultLinkerMap() LinkerMap {
	return LinkerMap{
		PageSize:        0x1000,
		StackSize:       0x8000,
		KernelVirtStart: 0xffff000000000000,
		BLStart:         0x80000,
		BLEnd:           0xc0000,
		BLStackEnd:      0xc0000,
		BLStack:         0xe0000,
	}
}

func (l LinkerMap) validate() error {
	if l.PageSize == 0 || l.PageSize&(l.PageSize-1) != 0 {
		return fmt.Errorf("boot: page size %#x is not a power of 2", l.PageSize)
	}
	if l.StackSize == 0 || l.StackSize%l.PageSize != 0 {
		return fmt.Errorf("boot: stack size %#x is not a multiple of the page size", l.StackSize)
	}
	if l.BLEnd <= l.BLStart || l.BLStack <= l.BLStackEnd {
		return fmt.Errorf("boot: degenerate bootloader layout")
	}
	if l.KernelVirtStart%l.PageSize != 0 {
		return fmt.Errorf("boot: kernel virtual start %#x not page aligned", l.KernelVirtStart)
	}
	return nil
}

// kernelStackPhysBase places the four early kernel stacks directly after
// the null/park page.
func (l LinkerMap) kernelStackPhysBase() uint64 { return l.PageSize }

// kernelStackPhys returns the physical base of core i's early stack.
func (l LinkerMap) kernelStackPhys(core int) uint64 {
	return l.kernelStackPhysBase() + uint64(core)*l.StackSize
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}
