package pmm

import (
	"errors"
	"testing"

	"github.com/tinyrange/raspiboot/internal/machine"
)

const pageSize = 0x1000

func newAllocator(t *testing.T) *FrameAllocator {
	t.Helper()
	alloc, err := New(machine.NewRAM(0x100000), pageSize)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return alloc
}

func TestNewRejectsBadPageSize(t *testing.T) {
	for _, size := range []uint64{0, 3, 0x1800} {
		if _, err := New(machine.NewRAM(0x10000), size); err == nil {
			t.Fatalf("New(pageSize=%#x) expected error", size)
		}
	}
}

func TestLIFOOrder(t *testing.T) {
	alloc := newAllocator(t)
	frames := []uint64{0x10000, 0x11000, 0x12000}
	for _, f := range frames {
		if err := alloc.DeallocateFrame(f); err != nil {
			t.Fatalf("DeallocateFrame(%#x) returned error: %v", f, err)
		}
	}
	if alloc.NumFreeFrames() != 3 {
		t.Fatalf("NumFreeFrames = %d, want 3", alloc.NumFreeFrames())
	}

	want := []uint64{0x12000, 0x11000, 0x10000}
	for i, w := range want {
		got, err := alloc.AllocateFrame()
		if err != nil {
			t.Fatalf("AllocateFrame %d returned error: %v", i, err)
		}
		if got != w {
			t.Fatalf("AllocateFrame %d = %#x, want %#x", i, got, w)
		}
	}
	if alloc.NumFreeFrames() != 0 {
		t.Fatalf("NumFreeFrames = %d, want 0", alloc.NumFreeFrames())
	}
}

func TestAllocatedFramesAreZeroed(t *testing.T) {
	ram := machine.NewRAM(0x100000)
	alloc, err := New(ram, pageSize)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	// Dirty the frame before freeing it; the freelist node then overwrites
	// the first word with the next pointer.
	junk := make([]byte, pageSize)
	for i := range junk {
		junk[i] = 0xa5
	}
	if _, err := ram.WriteAt(junk, 0x20000); err != nil {
		t.Fatalf("WriteAt returned error: %v", err)
	}
	if err := alloc.DeallocateFrame(0x20000); err != nil {
		t.Fatalf("DeallocateFrame returned error: %v", err)
	}

	frame, err := alloc.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame returned error: %v", err)
	}
	buf := make([]byte, pageSize)
	if _, err := ram.ReadAt(buf, int64(frame)); err != nil {
		t.Fatalf("ReadAt returned error: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("frame byte %d = %#x, want 0", i, b)
		}
	}
}

func TestRoundTripReturnsEveryFrameOnce(t *testing.T) {
	alloc := newAllocator(t)
	const n = 16
	for i := 0; i < n; i++ {
		if err := alloc.DeallocateFrame(uint64(0x10000 + i*pageSize)); err != nil {
			t.Fatalf("DeallocateFrame %d returned error: %v", i, err)
		}
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		frame, err := alloc.AllocateFrame()
		if err != nil {
			t.Fatalf("AllocateFrame %d returned error: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("frame %#x returned twice", frame)
		}
		seen[frame] = true
	}
	if alloc.NumFreeFrames() != 0 {
		t.Fatalf("NumFreeFrames = %d, want 0", alloc.NumFreeFrames())
	}
	if _, err := alloc.AllocateFrame(); !errors.Is(err, ErrOutOfFrames) {
		t.Fatalf("AllocateFrame on empty list = %v, want ErrOutOfFrames", err)
	}
}

func TestRejectsNullAndMisaligned(t *testing.T) {
	alloc := newAllocator(t)
	if err := alloc.DeallocateFrame(0); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("DeallocateFrame(0) = %v, want ErrBadFrame", err)
	}
	if err := alloc.DeallocateFrame(0x10800); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("DeallocateFrame(0x10800) = %v, want ErrBadFrame", err)
	}
	if alloc.NumFreeFrames() != 0 {
		t.Fatalf("NumFreeFrames = %d after rejected frees, want 0", alloc.NumFreeFrames())
	}
}
