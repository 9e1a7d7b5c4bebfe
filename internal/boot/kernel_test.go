package boot

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/raspiboot/internal/machine"
)

type testSegment struct {
	vaddr uint64
	data  []byte
	memsz uint64
}

// buildTestELF assembles a minimal 64-bit little-endian AArch64 ELF.
func buildTestELF(t *testing.T, elfType uint16, elfMachine uint16, entry uint64, segs []testSegment) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
	)
	offset := uint64(ehdrSize + phdrSize*len(segs))
	var payload []byte
	type placed struct {
		seg testSegment
		off uint64
	}
	var placedSegs []placed
	for _, seg := range segs {
		placedSegs = append(placedSegs, placed{seg: seg, off: offset + uint64(len(payload))})
		payload = append(payload, seg.data...)
	}

	buf := make([]byte, int(offset)+len(payload))
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le := binary.LittleEndian
	le.PutUint16(buf[16:], elfType)
	le.PutUint16(buf[18:], elfMachine)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], ehdrSize) // e_phoff
	le.PutUint16(buf[52:], ehdrSize)
	le.PutUint16(buf[54:], phdrSize)
	le.PutUint16(buf[56:], uint16(len(segs)))

	for i, p := range placedSegs {
		ph := buf[ehdrSize+i*phdrSize:]
		le.PutUint32(ph[0:], 1) // PT_LOAD
		le.PutUint32(ph[4:], 0x5)
		le.PutUint64(ph[8:], p.off)
		le.PutUint64(ph[16:], p.seg.vaddr)
		le.PutUint64(ph[24:], p.seg.vaddr)
		le.PutUint64(ph[32:], uint64(len(p.seg.data)))
		le.PutUint64(ph[40:], p.seg.memsz)
		le.PutUint64(ph[48:], 0x1000)
	}
	copy(buf[offset:], payload)
	return buf
}

const (
	elfMachineAArch64 = 183
	elfTypeExec       = 2
	elfTypeRel        = 1
)

func TestParseKernel(t *testing.T) {
	text := make([]byte, 0x200)
	for i := range text {
		text[i] = byte(i)
	}
	img := buildTestELF(t, elfTypeExec, elfMachineAArch64, 0xffff000000000040,
		[]testSegment{
			{vaddr: 0xffff000000000000, data: text, memsz: 0x200},
			{vaddr: 0xffff000000000200, data: []byte{1, 2, 3}, memsz: 0x800},
		})

	k, err := parseKernel(img)
	if err != nil {
		t.Fatalf("parseKernel returned error: %v", err)
	}
	if k.firstVirt != 0xffff000000000000 {
		t.Fatalf("firstVirt = %#x, want 0xffff000000000000", k.firstVirt)
	}
	if k.memSize != 0x200+0x800 {
		t.Fatalf("memSize = %#x, want %#x", k.memSize, 0x200+0x800)
	}
	// Sum of segment mem sizes, rounded up to a page.
	if got := k.loadSize(0x1000); got != 0x1000 {
		t.Fatalf("loadSize = %#x, want 0x1000", got)
	}
	if got := k.entryPhys(0x80000); got != 0x80040 {
		t.Fatalf("entryPhys = %#x, want 0x80040", got)
	}
}

func TestParseKernelRejectsGappedSegments(t *testing.T) {
	// A hole between segments would push the load span past the
	// sum-of-mem-sizes reservation.
	img := buildTestELF(t, elfTypeExec, elfMachineAArch64, 0xffff000000000000,
		[]testSegment{
			{vaddr: 0xffff000000000000, data: []byte{1}, memsz: 0x200},
			{vaddr: 0xffff000000001000, data: []byte{2}, memsz: 0x200},
		})
	if _, err := parseKernel(img); !errors.Is(err, ErrElfInvalid) {
		t.Fatalf("parseKernel(gapped segments) = %v, want ErrElfInvalid", err)
	}
}

func TestParseKernelRejectsWrongMachine(t *testing.T) {
	img := buildTestELF(t, elfTypeExec, 62 /* x86_64 */, 0x1000,
		[]testSegment{{vaddr: 0x1000, data: []byte{0}, memsz: 1}})
	if _, err := parseKernel(img); !errors.Is(err, ErrElfInvalid) {
		t.Fatalf("parseKernel(x86_64) = %v, want ErrElfInvalid", err)
	}
}

func TestParseKernelRejectsNonExec(t *testing.T) {
	img := buildTestELF(t, elfTypeRel, elfMachineAArch64, 0x1000,
		[]testSegment{{vaddr: 0x1000, data: []byte{0}, memsz: 1}})
	if _, err := parseKernel(img); !errors.Is(err, ErrElfInvalid) {
		t.Fatalf("parseKernel(REL) = %v, want ErrElfInvalid", err)
	}
}

func TestParseKernelRejectsGarbage(t *testing.T) {
	if _, err := parseKernel([]byte("not an elf at all")); !errors.Is(err, ErrElfInvalid) {
		t.Fatalf("parseKernel(garbage) = %v, want ErrElfInvalid", err)
	}
}

func TestPlaceZeroesBssTail(t *testing.T) {
	ram := machine.NewRAM(0x100000)
	// Dirty the target range first.
	junk := make([]byte, 0x2000)
	for i := range junk {
		junk[i] = 0xff
	}
	if _, err := ram.WriteAt(junk, 0x40000); err != nil {
		t.Fatalf("WriteAt returned error: %v", err)
	}

	img := buildTestELF(t, elfTypeExec, elfMachineAArch64, 0xffff000000000000,
		[]testSegment{{vaddr: 0xffff000000000000, data: []byte{0xaa, 0xbb}, memsz: 0x100}})
	k, err := parseKernel(img)
	if err != nil {
		t.Fatalf("parseKernel returned error: %v", err)
	}
	if err := k.place(ram, 0x40000); err != nil {
		t.Fatalf("place returned error: %v", err)
	}

	buf := make([]byte, 0x100)
	if _, err := ram.ReadAt(buf, 0x40000); err != nil {
		t.Fatalf("ReadAt returned error: %v", err)
	}
	if buf[0] != 0xaa || buf[1] != 0xbb {
		t.Fatalf("file bytes = %#x %#x, want aa bb", buf[0], buf[1])
	}
	for i := 2; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("bss byte %d = %#x, want 0", i, buf[i])
		}
	}
}

func TestEncodeDecodeMapRoundTrip(t *testing.T) {
	ram := machine.NewRAM(0x10000)
	m := newTestMap(t)

	if err := EncodeMap(ram, 0x1000, m); err != nil {
		t.Fatalf("EncodeMap returned error: %v", err)
	}
	got, err := DecodeMap(ram, 0x1000)
	if err != nil {
		t.Fatalf("DecodeMap returned error: %v", err)
	}

	if got.TotalMem() != m.TotalMem() {
		t.Fatalf("TotalMem = %v, want %v", got.TotalMem(), m.TotalMem())
	}
	want := m.Entries()
	gotEntries := got.Entries()
	if len(gotEntries) != len(want) {
		t.Fatalf("len(entries) = %d, want %d", len(gotEntries), len(want))
	}
	for i := range want {
		if gotEntries[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, gotEntries[i], want[i])
		}
	}
}
