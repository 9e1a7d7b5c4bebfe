package boot

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/tinyrange/raspiboot/internal/machine"
)

// ErrElfInvalid wraps every rejected kernel image.
var ErrElfInvalid = errors.New("boot: invalid kernel ELF")

type kernelSegment struct {
	virtAddr uint64
	fileSize uint64
	memSize  uint64
	data     []byte
}

// kernelImage is the parsed, not yet placed, kernel.
type kernelImage struct {
	entry     uint64
	firstVirt uint64
	lastVirt  uint64 // end of the highest PT_LOAD segment
	memSize   uint64 // sum of PT_LOAD mem sizes
	segments  []kernelSegment
}

// parseKernel validates the embedded kernel: 64-bit little-endian AArch64
// EXEC image, PT_LOAD segments only.
func parseKernel(data []byte) (*kernelImage, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrElfInvalid, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: not a 64-bit little-endian image", ErrElfInvalid)
	}
	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%w: machine %d (want AArch64)", ErrElfInvalid, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: type %v (want EXEC)", ErrElfInvalid, f.Type)
	}

	img := &kernelImage{entry: f.Entry}
	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment file size %#x exceeds mem size %#x", ErrElfInvalid, prog.Filesz, prog.Memsz)
		}
		seg := kernelSegment{
			virtAddr: prog.Vaddr,
			fileSize: prog.Filesz,
			memSize:  prog.Memsz,
		}
		if prog.Filesz > 0 {
			seg.data = make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(seg.data, 0); err != nil {
				return nil, fmt.Errorf("%w: read segment @%#x: %v", ErrElfInvalid, prog.Off, err)
			}
		}
		img.segments = append(img.segments, seg)
		img.memSize += prog.Memsz
		if first || prog.Vaddr < img.firstVirt {
			img.firstVirt = prog.Vaddr
		}
		if first || prog.Vaddr+prog.Memsz > img.lastVirt {
			img.lastVirt = prog.Vaddr + prog.Memsz
		}
		first = false
	}
	if len(img.segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrElfInvalid)
	}
	// The reserved region is sized from the sum of segment mem sizes, so
	// the load span must not exceed it: a gap between segments would let
	// place write past the reservation.
	if img.lastVirt-img.firstVirt > img.memSize {
		return nil, fmt.Errorf("%w: load span %#x exceeds total segment size %#x",
			ErrElfInvalid, img.lastVirt-img.firstVirt, img.memSize)
	}
	return img, nil
}

// loadSize returns the image's placement footprint: the sum of segment
// mem sizes, rounded up to the page size. parseKernel guarantees the load
// span fits inside this.
func (img *kernelImage) loadSize(pageSize uint64) uint64 {
	return alignUp(img.memSize, pageSize)
}

// entryPhys returns the physical branch target once the image sits at base.
func (img *kernelImage) entryPhys(base uint64) uint64 {
	return base + (img.entry - img.firstVirt)
}

// place copies each segment's file bytes to base plus its offset from the
// first load address and zero-fills the BSS tail. Every write ends at
// base + (virtAddr - firstVirt) + memSize of its segment, which the
// parseKernel span check keeps within base + loadSize.
func (img *kernelImage) place(mem machine.PhysicalMemory, base uint64) error {
	for _, seg := range img.segments {
		dst := base + (seg.virtAddr - img.firstVirt)
		if len(seg.data) > 0 {
			if _, err := mem.WriteAt(seg.data, int64(dst)); err != nil {
				return fmt.Errorf("boot: copy kernel segment to %#x: %w", dst, err)
			}
		}
		if tail := seg.memSize - seg.fileSize; tail > 0 {
			if err := machine.ZeroRange(mem, dst+seg.fileSize, tail); err != nil {
				return fmt.Errorf("boot: zero kernel bss at %#x: %w", dst+seg.fileSize, err)
			}
		}
	}
	return nil
}
