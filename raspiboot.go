// Package raspiboot assembles a hosted Raspberry Pi 3/4 class machine,
// runs the bare-metal boot sequence on it and returns the state the kernel
// would find: MMU on across all four cores, shared translation tables, a
// higher-half layout and the inherited memory map.
package raspiboot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/raspiboot/internal/boot"
	"github.com/tinyrange/raspiboot/internal/devices/bcm"
	"github.com/tinyrange/raspiboot/internal/fdt"
	"github.com/tinyrange/raspiboot/internal/machine"
)

// Options configures a boot run.
type Options struct {
	// Board selects the physical constants; bcm.Pi4 when zero-valued.
	Board bcm.Board

	// MemorySize is the RAM size the device tree will declare. Required.
	MemorySize uint64

	// Kernel is the kernel ELF image to relocate and enter. Required.
	Kernel []byte

	// DTB overrides the synthesized device tree blob.
	DTB []byte

	// DTBAddr places the blob in RAM; a default near the top of RAM is
	// chosen when zero.
	DTBAddr uint64

	// GpuMemBase/GpuMemSize set the firmware memory split the mailbox
	// reports. When GpuMemSize is zero both are defaulted (GpuMemBase is
	// ignored): 76 MiB directly below the end of RAM, or below 3 GiB when
	// RAM is larger than that.
	GpuMemBase uint32
	GpuMemSize uint32

	// ConsoleOutput receives everything the bootloader writes to the UART.
	ConsoleOutput io.Writer

	// Layout overrides the linker-script addresses.
	Layout *boot.LinkerMap

	Logger *slog.Logger
}

// Instance is a booted machine.
type Instance struct {
	Machine *machine.Machine
	Board   bcm.Board
	Handoff *boot.Handoff
}

// Run builds the machine, loads the device tree and kernel and drives the
// boot sequence to the kernel handoff.
func Run(opts Options) (*Instance, error) {
	if opts.MemorySize == 0 {
		return nil, errors.New("raspiboot: memory size is required")
	}
	if len(opts.Kernel) == 0 {
		return nil, errors.New("raspiboot: kernel image is required")
	}

	board := opts.Board
	if board.Name == "" {
		board = bcm.Pi4
	}
	layout := boot.DefaultLinkerMap()
	if opts.Layout != nil {
		layout = *opts.Layout
	}

	gpuBase := opts.GpuMemBase
	gpuSize := opts.GpuMemSize
	if gpuSize == 0 {
		gpuSize = 76 << 20
		// The firmware region always sits below 4 GiB.
		top := opts.MemorySize
		if top > 0xc0000000 {
			top = 0xc0000000
		}
		gpuBase = uint32(top) - gpuSize
	}

	m := machine.New(opts.MemorySize, bcm.MidrFor(board))
	mboxDev := bcm.NewMailboxDevice(board, m.Bus.RAM(), gpuBase, gpuSize)
	if err := m.Bus.AddDevice(mboxDev); err != nil {
		return nil, err
	}
	if err := m.Bus.AddDevice(bcm.NewUARTDevice(board, opts.ConsoleOutput)); err != nil {
		return nil, err
	}

	dtb := opts.DTB
	if dtb == nil {
		dtb = BuildDTB(board, opts.MemorySize)
	}
	dtbAddr := opts.DTBAddr
	if dtbAddr == 0 {
		dtbAddr = defaultDTBAddr(opts.MemorySize, uint64(gpuBase), uint64(len(dtb)), layout.PageSize)
	}
	if _, err := m.Bus.RAM().WriteAt(dtb, int64(dtbAddr)); err != nil {
		return nil, fmt.Errorf("raspiboot: place device tree at %#x: %w", dtbAddr, err)
	}

	driver, err := boot.NewDriver(m, boot.Config{
		DTBAddr:     dtbAddr,
		Kernel:      opts.Kernel,
		Layout:      layout,
		Logger:      opts.Logger,
		UARTClockHz: 0,
	})
	if err != nil {
		return nil, err
	}

	handoff, err := driver.Boot()
	if err != nil {
		return nil, err
	}

	return &Instance{Machine: m, Board: board, Handoff: handoff}, nil
}

// BuildDTB synthesizes the minimal firmware device tree: root cell widths
// and a single memory node, the way the GPU firmware hands one over.
func BuildDTB(board bcm.Board, memorySize uint64) []byte {
	b := fdt.NewBuilder()
	b.BeginNode("")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)
	b.PropStrings("compatible", "brcm,"+board.Name)
	b.PropStrings("model", board.Name)
	b.BeginNode("memory@0")
	b.PropStrings("device_type", "memory")
	b.PropU64("reg", 0, memorySize)
	b.EndNode()
	b.EndNode()
	return b.Build()
}

// defaultDTBAddr parks the blob just below the firmware region, clear of
// anything the bootloader places in low memory.
func defaultDTBAddr(memorySize, gpuBase, dtbSize, pageSize uint64) uint64 {
	top := gpuBase
	if top == 0 || top > memorySize {
		top = memorySize
	}
	addr := top - dtbSize - pageSize
	return addr &^ (pageSize - 1)
}
