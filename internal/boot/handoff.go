package boot

import (
	"fmt"

	"github.com/tinyrange/raspiboot/internal/devices/bcm"
	"github.com/tinyrange/raspiboot/internal/machine"
	"github.com/tinyrange/raspiboot/internal/memmap"
)

// Handoff is the state the bootloader leaves behind for the kernel: the
// shared table roots, the higher-half layout and the inherited memory map.
// The register contract on every core is derived from it.
type Handoff struct {
	Board bcm.Board

	// EntryPhys is the kernel entry point, reachable through the identity
	// half once the MMU is on.
	EntryPhys uint64

	TTBR0Root uint64
	TTBR1Root uint64

	// LinearMapStart is the higher-half base of the linear map of all
	// physical RAM.
	LinearMapStart uint64

	// KernelVirtEnd is the first free higher-half byte past the stacks.
	KernelVirtEnd uint64

	// StacksVirtTop holds each core's kernel stack top virtual address.
	StacksVirtTop [4]uint64

	// MemoryMapPhys is the frame holding the serialized memory map;
	// MemoryMapVirt is the same frame seen through the linear map, which is
	// the pointer handed to the kernel in X3.
	MemoryMapPhys uint64
	MemoryMapVirt uint64

	// Map is the bootloader's final memory map. The kernel clones it into
	// its own storage before reclaiming bootloader frames.
	Map *memmap.Map
}

// The serialized map is a single frame: addr_end, entry count, then
// (base, end, kind) words per entry.
const (
	mapEncHeader    = 16
	mapEncEntrySize = 24
)

// EncodeMap writes the memory map into guest memory at addr.
func EncodeMap(mem machine.PhysicalMemory, addr uint64, m *memmap.Map) error {
	entries := m.Entries()
	if err := machine.WriteUint64(mem, addr, m.TotalMem().Bytes()); err != nil {
		return err
	}
	if err := machine.WriteUint64(mem, addr+8, uint64(len(entries))); err != nil {
		return err
	}
	pos := addr + mapEncHeader
	for _, e := range entries {
		if err := machine.WriteUint64(mem, pos, e.Base); err != nil {
			return err
		}
		if err := machine.WriteUint64(mem, pos+8, e.End); err != nil {
			return err
		}
		if err := machine.WriteUint64(mem, pos+16, uint64(e.Kind)); err != nil {
			return err
		}
		pos += mapEncEntrySize
	}
	return nil
}

// DecodeMap reads a serialized memory map back out of guest memory. The
// kernel side uses this to clone the inherited map.
func DecodeMap(mem machine.PhysicalMemory, addr uint64) (*memmap.Map, error) {
	addrEnd, err := machine.ReadUint64(mem, addr)
	if err != nil {
		return nil, err
	}
	count, err := machine.ReadUint64(mem, addr+8)
	if err != nil {
		return nil, err
	}
	if count > memmap.MaxEntries {
		return nil, fmt.Errorf("boot: serialized map claims %d entries", count)
	}

	m := memmap.New()
	pos := addr + mapEncHeader
	for i := uint64(0); i < count; i++ {
		base, err := machine.ReadUint64(mem, pos)
		if err != nil {
			return nil, err
		}
		end, err := machine.ReadUint64(mem, pos+8)
		if err != nil {
			return nil, err
		}
		kind, err := machine.ReadUint64(mem, pos+16)
		if err != nil {
			return nil, err
		}
		if err := m.AddEntry(memmap.NewEntry(memmap.Kind(kind), base, end)); err != nil {
			return nil, err
		}
		pos += mapEncEntrySize
	}
	m.SetTotalMem(addrEnd)
	return m, nil
}
