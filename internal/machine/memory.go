package machine

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PhysicalMemory is the guest physical address surface the boot core runs
// against. Offsets are raw physical addresses.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// RAM is a flat guest RAM image starting at physical address zero.
type RAM struct {
	data []byte
}

// NewRAM allocates a zeroed guest RAM image of the given size.
func NewRAM(size uint64) *RAM {
	return &RAM{data: make([]byte, size)}
}

func (r *RAM) Size() uint64 { return uint64(len(r.data)) }

func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(r.data)) {
		return 0, fmt.Errorf("machine: read [%#x, %#x) outside RAM [0, %#x)", off, uint64(off)+uint64(len(p)), len(r.data))
	}
	return copy(p, r.data[off:]), nil
}

func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(r.data)) {
		return 0, fmt.Errorf("machine: write [%#x, %#x) outside RAM [0, %#x)", off, uint64(off)+uint64(len(p)), len(r.data))
	}
	return copy(r.data[off:], p), nil
}

// ReadUint64 loads a little-endian 64-bit word from guest memory.
func ReadUint64(mem PhysicalMemory, addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 stores a little-endian 64-bit word to guest memory.
func WriteUint64(mem PhysicalMemory, addr uint64, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	_, err := mem.WriteAt(buf[:], int64(addr))
	return err
}

// ReadUint32 loads a little-endian 32-bit word from guest memory.
func ReadUint32(mem PhysicalMemory, addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint32 stores a little-endian 32-bit word to guest memory.
func WriteUint32(mem PhysicalMemory, addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := mem.WriteAt(buf[:], int64(addr))
	return err
}

// ZeroRange clears [addr, addr+size) of guest memory.
func ZeroRange(mem PhysicalMemory, addr, size uint64) error {
	const chunk = 64 * 1024
	zeros := make([]byte, min(size, chunk))
	for size > 0 {
		n := min(size, chunk)
		if _, err := mem.WriteAt(zeros[:n], int64(addr)); err != nil {
			return err
		}
		addr += n
		size -= n
	}
	return nil
}
