package raspiboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/raspiboot/internal/boot"
	"github.com/tinyrange/raspiboot/internal/devices/bcm"
	"github.com/tinyrange/raspiboot/internal/machine"
	"github.com/tinyrange/raspiboot/internal/memmap"
	"github.com/tinyrange/raspiboot/internal/paging"
)

// buildTestKernel assembles a small AArch64 EXEC image: a text segment and
// a data segment with a BSS tail, linked at the higher-half base.
func buildTestKernel(t *testing.T) (image []byte, text []byte) {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
		virtBase = 0xffff000000000000
	)

	text = make([]byte, 0x800)
	for i := range text {
		text[i] = byte(i * 7)
	}
	data := []byte{0xde, 0xad, 0xbe, 0xef}

	segs := []struct {
		vaddr uint64
		bytes []byte
		memsz uint64
	}{
		{virtBase, text, uint64(len(text))},
		{virtBase + 0x800, data, 0x600},
	}

	offset := uint64(ehdrSize + phdrSize*len(segs))
	var payload []byte
	offsets := make([]uint64, len(segs))
	for i, seg := range segs {
		offsets[i] = offset + uint64(len(payload))
		payload = append(payload, seg.bytes...)
	}

	buf := make([]byte, int(offset)+len(payload))
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)   // ET_EXEC
	le.PutUint16(buf[18:], 183) // EM_AARCH64
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], virtBase) // entry at the image start
	le.PutUint64(buf[32:], ehdrSize)
	le.PutUint16(buf[52:], ehdrSize)
	le.PutUint16(buf[54:], phdrSize)
	le.PutUint16(buf[56:], uint16(len(segs)))
	for i, seg := range segs {
		ph := buf[ehdrSize+i*phdrSize:]
		le.PutUint32(ph[0:], 1) // PT_LOAD
		le.PutUint32(ph[4:], 0x5)
		le.PutUint64(ph[8:], offsets[i])
		le.PutUint64(ph[16:], seg.vaddr)
		le.PutUint64(ph[24:], seg.vaddr)
		le.PutUint64(ph[32:], uint64(len(seg.bytes)))
		le.PutUint64(ph[40:], seg.memsz)
		le.PutUint64(ph[48:], 0x1000)
	}
	copy(buf[offset:], payload)
	return buf, text
}

func bootPi4(t *testing.T, console *bytes.Buffer) *Instance {
	t.Helper()
	kernel, _ := buildTestKernel(t)
	inst, err := Run(Options{
		Board:         bcm.Pi4,
		MemorySize:    0x40000000,
		Kernel:        kernel,
		ConsoleOutput: console,
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return inst
}

func TestBootBuildsExpectedMemoryMap(t *testing.T) {
	var console bytes.Buffer
	inst := bootPi4(t, &console)
	h := inst.Handoff

	if got := h.Map.TotalMem().Bytes(); got != 0x40000000 {
		t.Fatalf("TotalMem = %#x, want 0x40000000", got)
	}

	kinds := map[memmap.Kind]bool{}
	for _, e := range h.Map.Entries() {
		kinds[e.Kind] = true
	}
	for _, want := range []memmap.Kind{
		memmap.Free, memmap.Firmware, memmap.Stack, memmap.DtReserved,
		memmap.Mmio, memmap.Bootloader, memmap.Kernel, memmap.BLReserved,
	} {
		if !kinds[want] {
			t.Fatalf("memory map missing a %v entry:\n%s", want, h.Map)
		}
	}

	// The Pi 4 peripheral window sits above RAM.
	var mmio memmap.Entry
	for _, e := range h.Map.Entries() {
		if e.Kind == memmap.Mmio {
			mmio = e
		}
	}
	if mmio.Base != 0xfc000000 || mmio.End != 0x100000000 {
		t.Fatalf("MMIO entry = [%#x, %#x), want [0xfc000000, 0x100000000)", mmio.Base, mmio.End)
	}

	banner := console.String()
	for _, want := range []string{"Total Memory:    1 GiB", "Type: Kernel", "Handing off to kernel entry"} {
		if !strings.Contains(banner, want) {
			t.Fatalf("console output missing %q:\n%s", want, banner)
		}
	}
}

func TestBootKernelRelocation(t *testing.T) {
	kernel, text := buildTestKernel(t)
	inst, err := Run(Options{
		Board:      bcm.Pi4,
		MemorySize: 0x40000000,
		Kernel:     kernel,
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	h := inst.Handoff

	var kernelEntry memmap.Entry
	for _, e := range h.Map.Entries() {
		if e.Kind == memmap.Kernel {
			kernelEntry = e
		}
	}
	if kernelEntry.Size == 0 {
		t.Fatalf("no Kernel entry in map:\n%s", h.Map)
	}

	ram := inst.Machine.Bus.RAM()
	got := make([]byte, len(text))
	if _, err := ram.ReadAt(got, int64(kernelEntry.Base)); err != nil {
		t.Fatalf("ReadAt returned error: %v", err)
	}
	if !bytes.Equal(got, text) {
		t.Fatalf("relocated text does not match ELF payload")
	}
	if h.EntryPhys != kernelEntry.Base {
		t.Fatalf("EntryPhys = %#x, want image base %#x", h.EntryPhys, kernelEntry.Base)
	}

	// BSS tail of the data segment must be zero.
	bss := make([]byte, 0x600-4)
	if _, err := ram.ReadAt(bss, int64(kernelEntry.Base+0x800+4)); err != nil {
		t.Fatalf("ReadAt returned error: %v", err)
	}
	for i, b := range bss {
		if b != 0 {
			t.Fatalf("bss byte %d = %#x, want 0", i, b)
		}
	}
}

func TestBootTranslationLayout(t *testing.T) {
	inst := bootPi4(t, &bytes.Buffer{})
	h := inst.Handoff
	ram := inst.Machine.Bus.RAM()

	ttbr0 := paging.FromRawPtr(ram, nil, h.TTBR0Root)
	pa, err := ttbr0.VirtToPhys(0x12345678)
	if err != nil {
		t.Fatalf("identity walk returned error: %v", err)
	}
	if pa != 0x12345678 {
		t.Fatalf("identity VirtToPhys = %#x, want 0x12345678", pa)
	}

	ttbr1 := paging.FromRawPtr(ram, nil, h.TTBR1Root)

	var kernelEntry memmap.Entry
	for _, e := range h.Map.Entries() {
		if e.Kind == memmap.Kernel {
			kernelEntry = e
		}
	}
	pa, err = ttbr1.VirtToPhys(0xffff000000000000)
	if err != nil {
		t.Fatalf("kernel walk returned error: %v", err)
	}
	if pa != kernelEntry.Base {
		t.Fatalf("kernel VirtToPhys = %#x, want %#x", pa, kernelEntry.Base)
	}

	// The guard page directly after the kernel image stays unmapped.
	guard := 0xffff000000000000 + uint64(kernelEntry.Size)
	if _, err := ttbr1.VirtToPhys(paging.VirtualAddr(guard)); !errors.Is(err, paging.ErrNotMapped) {
		t.Fatalf("guard page walk = %v, want ErrNotMapped", err)
	}

	// Each stack top is mapped (one page below the top address).
	layout := boot.DefaultLinkerMap()
	for core, top := range h.StacksVirtTop {
		pa, err := ttbr1.VirtToPhys(paging.VirtualAddr(top - 0x1000))
		if err != nil {
			t.Fatalf("stack %d walk returned error: %v", core, err)
		}
		wantPhys := layout.PageSize + uint64(core+1)*layout.StackSize - 0x1000
		if pa != wantPhys {
			t.Fatalf("stack %d VirtToPhys = %#x, want %#x", core, pa, wantPhys)
		}
	}

	if h.LinearMapStart%paging.BlockSize1GiB != 0 {
		t.Fatalf("LinearMapStart = %#x not 1 GiB aligned", h.LinearMapStart)
	}
	pa, err = ttbr1.VirtToPhys(paging.VirtualAddr(h.LinearMapStart + 0x2000))
	if err != nil {
		t.Fatalf("linear map walk returned error: %v", err)
	}
	if pa != 0x2000 {
		t.Fatalf("linear map VirtToPhys = %#x, want 0x2000", pa)
	}
}

func TestBootRegisterContract(t *testing.T) {
	inst := bootPi4(t, &bytes.Buffer{})
	h := inst.Handoff

	for i, core := range inst.Machine.Cores {
		if !core.Started() {
			t.Fatalf("core %d not started", i)
		}
		if !core.MMUEnabled() {
			t.Fatalf("core %d MMU not enabled", i)
		}
		if got := core.Register(machine.RegisterX0); got != uint64(i) {
			t.Fatalf("core %d X0 = %d, want %d", i, got, i)
		}
		if got := core.Register(machine.RegisterX1); got != h.LinearMapStart {
			t.Fatalf("core %d X1 = %#x, want %#x", i, got, h.LinearMapStart)
		}
		if got := core.Register(machine.RegisterX2); got != h.KernelVirtEnd {
			t.Fatalf("core %d X2 = %#x, want %#x", i, got, h.KernelVirtEnd)
		}
		if got := core.Register(machine.RegisterX3); got != h.MemoryMapVirt {
			t.Fatalf("core %d X3 = %#x, want %#x", i, got, h.MemoryMapVirt)
		}
		if got := core.Register(machine.RegisterSp); got != h.StacksVirtTop[i] {
			t.Fatalf("core %d SP = %#x, want %#x", i, got, h.StacksVirtTop[i])
		}
		if got := core.Register(machine.RegisterTtbr0EL1); got != h.TTBR0Root {
			t.Fatalf("core %d TTBR0 = %#x, want shared root", i, got)
		}
		if got := core.Register(machine.RegisterTtbr1EL1); got != h.TTBR1Root {
			t.Fatalf("core %d TTBR1 = %#x, want shared root", i, got)
		}
		if got := core.Register(machine.RegisterPc); got != h.EntryPhys {
			t.Fatalf("core %d PC = %#x, want %#x", i, got, h.EntryPhys)
		}
	}
}

func TestBootInheritedMapRoundTrip(t *testing.T) {
	inst := bootPi4(t, &bytes.Buffer{})
	h := inst.Handoff
	ram := inst.Machine.Bus.RAM()

	// X3 points at the serialized map through the linear window.
	if h.MemoryMapVirt != h.LinearMapStart+h.MemoryMapPhys {
		t.Fatalf("MemoryMapVirt = %#x, want linear alias of %#x", h.MemoryMapVirt, h.MemoryMapPhys)
	}
	ttbr1 := paging.FromRawPtr(ram, nil, h.TTBR1Root)
	pa, err := ttbr1.VirtToPhys(paging.VirtualAddr(h.MemoryMapVirt))
	if err != nil {
		t.Fatalf("map pointer walk returned error: %v", err)
	}
	if pa != h.MemoryMapPhys {
		t.Fatalf("map pointer walk = %#x, want %#x", pa, h.MemoryMapPhys)
	}

	inherited, err := boot.DecodeMap(ram, h.MemoryMapPhys)
	if err != nil {
		t.Fatalf("DecodeMap returned error: %v", err)
	}
	want := h.Map.Entries()
	got := inherited.Entries()
	if len(got) != len(want) {
		t.Fatalf("inherited map has %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("inherited entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRunRejectsMissingInputs(t *testing.T) {
	if _, err := Run(Options{MemorySize: 0x40000000}); err == nil {
		t.Fatalf("Run without kernel expected error")
	}
	kernel, _ := buildTestKernel(t)
	if _, err := Run(Options{Kernel: kernel}); err == nil {
		t.Fatalf("Run without memory size expected error")
	}
}
