package machine

import "fmt"

// MMIORegion is a physical address window claimed by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) contains(addr uint64, size int) bool {
	return addr >= r.Address && addr+uint64(size) <= r.Address+r.Size
}

// Device is a memory-mapped peripheral bound to the bus.
type Device interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type mmioBinding struct {
	region MMIORegion
	dev    Device
}

// Bus routes physical accesses either to a bound device region or to RAM.
// Peripheral clients (mailbox, UART) go through it so that MMIO and memory
// semantics stay distinct the way they are on the real interconnect; code
// that only touches RAM uses RAM() directly.
type Bus struct {
	ram      PhysicalMemory
	bindings []mmioBinding
}

// NewBus creates a bus backed by the given RAM image.
func NewBus(ram PhysicalMemory) *Bus {
	return &Bus{ram: ram}
}

// AddDevice binds a device's MMIO regions to the bus.
func (b *Bus) AddDevice(dev Device) error {
	for _, region := range dev.MMIORegions() {
		if region.Size == 0 {
			return fmt.Errorf("machine: device claims zero-size MMIO region at %#x", region.Address)
		}
		for _, existing := range b.bindings {
			if region.Address < existing.region.Address+existing.region.Size &&
				existing.region.Address < region.Address+region.Size {
				return fmt.Errorf("machine: MMIO region [%#x, %#x) overlaps existing [%#x, %#x)",
					region.Address, region.Address+region.Size,
					existing.region.Address, existing.region.Address+existing.region.Size)
			}
		}
		b.bindings = append(b.bindings, mmioBinding{region: region, dev: dev})
	}
	return nil
}

// RAM exposes the backing RAM image, bypassing device dispatch. Bulk loads
// (kernel image, DTB) go straight to memory.
func (b *Bus) RAM() PhysicalMemory { return b.ram }

func (b *Bus) Size() uint64 { return b.ram.Size() }

func (b *Bus) ReadAt(p []byte, off int64) (int, error) {
	if binding, ok := b.lookup(uint64(off), len(p)); ok {
		if err := binding.dev.ReadMMIO(uint64(off), p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return b.ram.ReadAt(p, off)
}

func (b *Bus) WriteAt(p []byte, off int64) (int, error) {
	if binding, ok := b.lookup(uint64(off), len(p)); ok {
		if err := binding.dev.WriteMMIO(uint64(off), p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return b.ram.WriteAt(p, off)
}

func (b *Bus) lookup(addr uint64, size int) (mmioBinding, bool) {
	for _, binding := range b.bindings {
		if binding.region.contains(addr, size) {
			return binding, true
		}
	}
	return mmioBinding{}, false
}

var _ PhysicalMemory = (*Bus)(nil)
