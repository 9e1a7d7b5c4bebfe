// Package boot drives the whole boot sequence on core 0: memory discovery,
// reservation, frame-allocator seeding, kernel relocation, translation
// table construction, MMU activation, secondary release and the kernel
// handoff.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/raspiboot/internal/devices/bcm"
	"github.com/tinyrange/raspiboot/internal/fdt"
	"github.com/tinyrange/raspiboot/internal/machine"
	"github.com/tinyrange/raspiboot/internal/memmap"
	"github.com/tinyrange/raspiboot/internal/memsize"
	"github.com/tinyrange/raspiboot/internal/mmu"
	"github.com/tinyrange/raspiboot/internal/paging"
	"github.com/tinyrange/raspiboot/internal/pmm"
	"github.com/tinyrange/raspiboot/internal/smp"
)

var (
	// ErrNoMemory means the device tree declared no usable RAM.
	ErrNoMemory = errors.New("boot: device tree declares no memory")
	// ErrKernelTooBig means no Free region fits the kernel image.
	ErrKernelTooBig = errors.New("boot: no free region fits the kernel image")
	// ErrSanity is the step-9 assertion: the BLReserved page count must
	// match the drop in free frames since seeding.
	ErrSanity = errors.New("boot: BLReserved pages disagree with allocator usage")
)

const (
	defaultUARTClockHz = 3000000
	maxDTBSize         = 16 << 20
)

// Config parameterises a boot.
type Config struct {
	// DTBAddr is the physical device-tree pointer firmware left in X0.
	DTBAddr uint64

	// Kernel is the embedded kernel ELF image.
	Kernel []byte

	Layout LinkerMap

	// UARTClockHz is programmed through the mailbox before the banner.
	UARTClockHz uint32

	Logger *slog.Logger
}

// Driver runs the boot sequence on core 0 of the given machine.
type Driver struct {
	m      *machine.Machine
	cfg    Config
	board  bcm.Board
	uart   *bcm.UART
	mbox   *bcm.Mailbox
	log    *slog.Logger
	frames *pmm.FrameAllocator
	mmap   *memmap.Map
}

// NewDriver prepares a driver, selecting the board from core 0's MIDR.
func NewDriver(m *machine.Machine, cfg Config) (*Driver, error) {
	if err := cfg.Layout.validate(); err != nil {
		return nil, err
	}
	if cfg.UARTClockHz == 0 {
		cfg.UARTClockHz = defaultUARTClockHz
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	board, err := bcm.DetectBoard(m.Cores[0].Register(machine.RegisterMidrEL1))
	if err != nil {
		return nil, err
	}

	mbox, err := bcm.NewMailbox(m.Bus, board, cfg.Layout.BLStart)
	if err != nil {
		return nil, err
	}

	return &Driver{
		m:     m,
		cfg:   cfg,
		board: board,
		uart:  bcm.NewUART(m.Bus, board),
		mbox:  mbox,
		log:   cfg.Logger,
	}, nil
}

// Boot runs the full sequence and leaves every core holding the kernel
// entry register contract. All failures are fatal; none are recoverable.
func (d *Driver) Boot() (*Handoff, error) {
	if _, err := d.mbox.SetClockRate(bcm.ClockUART, d.cfg.UARTClockHz, true); err != nil {
		return nil, fmt.Errorf("boot: set uart clock: %w", err)
	}

	fmt.Fprintf(d.uart, "Raspi bootloader is preparing environment for kernel...\n\n")

	if err := d.buildMemoryMap(); err != nil {
		return nil, err
	}

	startFree, err := d.seedAllocator()
	if err != nil {
		return nil, err
	}
	d.log.Info("seeded frame allocator", "freeFrames", startFree)

	kernelBase, kernelSize, entryPhys, err := d.loadKernel()
	if err != nil {
		return nil, err
	}
	d.log.Info("kernel image placed", "base", fmt.Sprintf("%#x", kernelBase),
		"size", memsize.Size(kernelSize).String(), "entry", fmt.Sprintf("%#x", entryPhys))
	d.printBanner()

	balloc := &bootAllocator{frames: d.frames, mmap: d.mmap}

	ttbr0, err := d.buildIdentityTable(balloc)
	if err != nil {
		return nil, err
	}

	ttbr1, stacksTop, kernelVirtEnd, err := d.buildKernelTable(balloc, kernelBase, kernelSize)
	if err != nil {
		return nil, err
	}

	linearStart, err := d.buildLinearMap(ttbr1, kernelVirtEnd)
	if err != nil {
		return nil, err
	}

	mapPhys, err := balloc.AllocateFrame()
	if err != nil {
		return nil, fmt.Errorf("boot: allocate memory map frame: %w", err)
	}
	if err := EncodeMap(d.m.Bus.RAM(), mapPhys, d.mmap); err != nil {
		return nil, fmt.Errorf("boot: serialize memory map: %w", err)
	}

	// Mandatory sanity assertion: every page the bootloader allocated after
	// seeding must be visible to the kernel as BLReserved.
	blPages := d.mmap.ReservedBytes(memmap.BLReserved).Bytes() / d.cfg.Layout.PageSize
	usedFrames := startFree - d.frames.NumFreeFrames()
	if blPages != usedFrames {
		return nil, fmt.Errorf("%w: %d BLReserved pages, %d frames used", ErrSanity, blPages, usedFrames)
	}

	handoff := &Handoff{
		Board:          d.board,
		EntryPhys:      entryPhys,
		TTBR0Root:      ttbr0.RawPtr(),
		TTBR1Root:      ttbr1.RawPtr(),
		LinearMapStart: linearStart,
		KernelVirtEnd:  kernelVirtEnd,
		StacksVirtTop:  stacksTop,
		MemoryMapPhys:  mapPhys,
		MemoryMapVirt:  linearStart + mapPhys,
		Map:            d.mmap.Clone(),
	}

	if err := d.enterKernel(handoff); err != nil {
		return nil, err
	}

	fmt.Fprintf(d.uart, "Handing off to kernel entry %#x\n", handoff.EntryPhys)
	return handoff, nil
}

// buildMemoryMap performs discovery: device-tree memory nodes first, then
// every reservation the kernel must inherit.
func (d *Driver) buildMemoryMap() error {
	l := d.cfg.Layout

	dtb, err := d.readDTB()
	if err != nil {
		return err
	}

	d.mmap = memmap.New()
	var addrEnd uint64
	for _, region := range dtb.Memory {
		if err := d.mmap.AddEntry(memmap.NewEntry(memmap.Free, region.Base, region.Base+region.Size)); err != nil {
			return err
		}
		if region.Base+region.Size > addrEnd {
			addrEnd = region.Base + region.Size
		}
	}
	if addrEnd == 0 {
		return ErrNoMemory
	}
	d.mmap.SetTotalMem(addrEnd)

	// The first page is never handed out: it is the secondary-core park
	// page and keeps the null frame a detectable fault.
	if err := d.mmap.AddEntry(memmap.NewEntry(memmap.Firmware, 0, l.PageSize)); err != nil {
		return err
	}

	stackBase := l.kernelStackPhysBase()
	if err := d.mmap.AddEntry(memmap.NewEntry(memmap.Stack, stackBase, stackBase+4*l.StackSize)); err != nil {
		return err
	}

	dtbStart := alignDown(d.cfg.DTBAddr, l.PageSize)
	dtbEnd := alignUp(d.cfg.DTBAddr+uint64(dtb.TotalSize), l.PageSize)
	if err := d.mmap.AddEntry(memmap.NewEntry(memmap.DtReserved, dtbStart, dtbEnd)); err != nil {
		return err
	}

	gpuBase, gpuSize, err := d.mbox.GetGpuMemory()
	if err != nil {
		return fmt.Errorf("boot: query gpu memory: %w", err)
	}
	if err := d.mmap.AddEntry(memmap.NewEntry(memmap.Firmware, uint64(gpuBase), uint64(gpuBase)+uint64(gpuSize))); err != nil {
		return err
	}

	if err := d.mmap.AddEntry(memmap.NewEntry(memmap.Mmio, d.board.PeripheralsBase, d.board.PeripheralsEnd)); err != nil {
		return err
	}

	blStackStart := alignDown(l.BLStackEnd, l.PageSize)
	blStackEnd := alignDown(l.BLStack, l.PageSize)
	if err := d.mmap.AddEntry(memmap.NewEntry(memmap.Bootloader, blStackStart, blStackEnd)); err != nil {
		return err
	}

	blStart := alignDown(l.BLStart, l.PageSize)
	blEnd := alignUp(l.BLEnd, l.PageSize)
	if err := d.mmap.AddEntry(memmap.NewEntry(memmap.Bootloader, blStart, blEnd)); err != nil {
		return err
	}

	return nil
}

// readDTB pulls the flattened tree out of guest memory and parses it.
func (d *Driver) readDTB() (*fdt.DeviceTree, error) {
	ram := d.m.Bus.RAM()

	var header [8]byte
	if _, err := ram.ReadAt(header[:], int64(d.cfg.DTBAddr)); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", fdt.ErrParse, err)
	}
	totalSize := binary.BigEndian.Uint32(header[4:8])
	if totalSize < 0x28 || totalSize > maxDTBSize {
		return nil, fmt.Errorf("%w: implausible total size %#x", fdt.ErrParse, totalSize)
	}

	blob := make([]byte, totalSize)
	if _, err := ram.ReadAt(blob, int64(d.cfg.DTBAddr)); err != nil {
		return nil, fmt.Errorf("%w: read blob: %v", fdt.ErrParse, err)
	}
	return fdt.Parse(blob)
}

func (d *Driver) printBanner() {
	l := d.cfg.Layout
	total := d.mmap.TotalMem()
	free := d.mmap.FreeMem()
	fmt.Fprintf(d.uart, "Page size:       %s\n", memsize.Size(l.PageSize))
	fmt.Fprintf(d.uart, "Reserved Pages:  %d\n", (total.Bytes()-free.Bytes())/l.PageSize)
	fmt.Fprintf(d.uart, "Available Pages: %d\n", free.Bytes()/l.PageSize)
	fmt.Fprintf(d.uart, "Total Memory:    %s\n", total)
	fmt.Fprintf(d.uart, "Avail Memory:    %s\n\n", free)
	fmt.Fprintf(d.uart, "%s\n", d.mmap)
}

// seedAllocator pushes every page of every Free region onto the freelist
// and returns the starting free-frame count for the sanity check.
func (d *Driver) seedAllocator() (uint64, error) {
	frames, err := pmm.New(d.m.Bus.RAM(), d.cfg.Layout.PageSize)
	if err != nil {
		return 0, err
	}
	for _, e := range d.mmap.Entries() {
		if e.Kind != memmap.Free {
			continue
		}
		for addr := alignUp(e.Base, d.cfg.Layout.PageSize); addr+d.cfg.Layout.PageSize <= e.End; addr += d.cfg.Layout.PageSize {
			if addr == 0 {
				continue
			}
			if err := frames.DeallocateFrame(addr); err != nil {
				return 0, fmt.Errorf("boot: seed frame %#x: %w", addr, err)
			}
		}
	}
	d.frames = frames
	return frames.NumFreeFrames(), nil
}

// loadKernel relocates the embedded ELF into the first Free region that
// fits and records it in the map.
func (d *Driver) loadKernel() (base, size, entryPhys uint64, err error) {
	img, err := parseKernel(d.cfg.Kernel)
	if err != nil {
		return 0, 0, 0, err
	}
	size = img.loadSize(d.cfg.Layout.PageSize)

	for _, e := range d.mmap.Entries() {
		if e.Kind != memmap.Free {
			continue
		}
		candidate := alignUp(e.Base, d.cfg.Layout.PageSize)
		if candidate+size <= e.End {
			base = candidate
			break
		}
	}
	if base == 0 {
		return 0, 0, 0, fmt.Errorf("%w: need %s", ErrKernelTooBig, memsize.Size(size))
	}

	if err := img.place(d.m.Bus.RAM(), base); err != nil {
		return 0, 0, 0, err
	}
	if err := d.mmap.AddEntry(memmap.NewEntry(memmap.Kernel, base, base+size)); err != nil {
		return 0, 0, 0, err
	}
	return base, size, img.entryPhys(base), nil
}

// buildIdentityTable maps [0, addr_end) onto itself in 1 GiB strides so
// core-physical execution keeps working the instant the MMU turns on.
func (d *Driver) buildIdentityTable(alloc paging.FrameSource) (*paging.Table, error) {
	table, err := paging.New(d.m.Bus.RAM(), alloc)
	if err != nil {
		return nil, err
	}
	end := alignUp(d.mmap.TotalMem().Bytes(), paging.BlockSize1GiB)
	for pa := uint64(0); pa < end; pa += paging.BlockSize1GiB {
		if err := table.Map1GiBPage(pa, paging.VirtualAddr(pa), paging.Device); err != nil {
			return nil, fmt.Errorf("boot: identity map %#x: %w", pa, err)
		}
	}
	return table, nil
}

// buildKernelTable maps the kernel image into the higher half in 4 KiB
// pages, then one guard page and a stack per core, contiguously.
func (d *Driver) buildKernelTable(alloc paging.FrameSource, kernelBase, kernelSize uint64) (*paging.Table, [4]uint64, uint64, error) {
	l := d.cfg.Layout
	var stacksTop [4]uint64

	table, err := paging.New(d.m.Bus.RAM(), alloc)
	if err != nil {
		return nil, stacksTop, 0, err
	}

	for off := uint64(0); off < kernelSize; off += l.PageSize {
		virt := paging.VirtualAddr(l.KernelVirtStart + off)
		if err := table.MapPage(kernelBase+off, virt, paging.NormalCacheable); err != nil {
			return nil, stacksTop, 0, fmt.Errorf("boot: map kernel page +%#x: %w", off, err)
		}
	}

	va := l.KernelVirtStart + kernelSize
	for core := 0; core < 4; core++ {
		va += l.PageSize // guard page stays unmapped
		phys := l.kernelStackPhys(core)
		for off := uint64(0); off < l.StackSize; off += l.PageSize {
			virt := paging.VirtualAddr(va + off)
			if err := table.MapPage(phys+off, virt, paging.NormalCacheable); err != nil {
				return nil, stacksTop, 0, fmt.Errorf("boot: map core %d stack +%#x: %w", core, off, err)
			}
		}
		va += l.StackSize
		stacksTop[core] = va
	}

	return table, stacksTop, va, nil
}

// buildLinearMap maps all of physical RAM at the next 1 GiB boundary past
// the stacks.
func (d *Driver) buildLinearMap(table *paging.Table, kernelVirtEnd uint64) (uint64, error) {
	start := alignUp(kernelVirtEnd, paging.BlockSize1GiB)
	end := alignUp(d.mmap.TotalMem().Bytes(), paging.BlockSize1GiB)
	for pa := uint64(0); pa < end; pa += paging.BlockSize1GiB {
		if err := table.Map1GiBPage(pa, paging.VirtualAddr(start+pa), paging.Device); err != nil {
			return 0, fmt.Errorf("boot: linear map %#x: %w", pa, err)
		}
	}
	return start, nil
}

// enterKernel activates the MMU on core 0, releases the secondaries with
// the shared roots and installs the entry register contract everywhere.
func (d *Driver) enterKernel(h *Handoff) error {
	core0 := d.m.Cores[0]
	if err := mmu.Activate(core0, h.TTBR0Root, h.TTBR1Root); err != nil {
		return err
	}

	for core := 1; core < 4; core++ {
		args := smp.ReleaseArgs{
			StackTop:  h.StacksVirtTop[core],
			TTBR0Root: h.TTBR0Root,
			TTBR1Root: h.TTBR1Root,
		}
		if err := smp.Release(d.m, core, d.cfg.Layout.BLStart, args); err != nil {
			return fmt.Errorf("boot: release core %d: %w", core, err)
		}
		if err := smp.Trampoline(d.m, core, h.EntryPhys); err != nil {
			return err
		}
	}

	for core := 0; core < 4; core++ {
		c := d.m.Cores[core]
		c.SetRegister(machine.RegisterX0, uint64(core))
		c.SetRegister(machine.RegisterX1, h.LinearMapStart)
		c.SetRegister(machine.RegisterX2, h.KernelVirtEnd)
		c.SetRegister(machine.RegisterX3, h.MemoryMapVirt)
	}
	core0.SetRegister(machine.RegisterSp, h.StacksVirtTop[0])
	core0.SetRegister(machine.RegisterPc, h.EntryPhys)
	return nil
}
