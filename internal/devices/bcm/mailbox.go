package bcm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/raspiboot/internal/machine"
)

// Property mailbox tags the firmware interface answers.
const (
	TagGetArmMemory   = 0x00010005
	TagGetGpuMemory   = 0x00010006
	TagGetClockRate   = 0x00030002
	TagSetClockRate   = 0x00038002
	ClockUART         = 0x2
	RespSuccess       = 0x80000000
	RespFail          = 0x80000001
	propertyChannel   = 8
	mboxRegRead       = 0x00
	mboxRegStatus     = 0x18
	mboxRegWrite      = 0x20
	mboxStatusFull    = 1 << 31
	mboxStatusEmpty   = 1 << 30
	mboxRegistersSize = 0x24
)

// ErrRespNotOk is returned when the firmware answers anything but success.
var ErrRespNotOk = errors.New("bcm: mailbox response code not ok")

// MailboxDevice emulates the VideoCore property mailbox. Requests are read
// from and answered into guest RAM; the device processes the buffer on the
// WRITE register and latches the response for the READ register.
type MailboxDevice struct {
	base uint64
	ram  machine.PhysicalMemory

	mu sync.Mutex

	// Memory split the firmware reports.
	ArmMemBase, ArmMemSize uint32
	GpuMemBase, GpuMemSize uint32

	// Clock state; SetClockRate records what the boot path asked for.
	ClockRates map[uint32]uint32

	pending    uint32
	hasPending bool
}

// NewMailboxDevice creates the device with the given firmware memory split.
func NewMailboxDevice(board Board, ram machine.PhysicalMemory, gpuMemBase, gpuMemSize uint32) *MailboxDevice {
	return &MailboxDevice{
		base:       board.MailboxBase(),
		ram:        ram,
		ArmMemBase: 0,
		ArmMemSize: gpuMemBase,
		GpuMemBase: gpuMemBase,
		GpuMemSize: gpuMemSize,
		ClockRates: map[uint32]uint32{ClockUART: 48000000},
	}
}

func (d *MailboxDevice) MMIORegions() []machine.MMIORegion {
	return []machine.MMIORegion{{Address: d.base, Size: mboxRegistersSize}}
}

func (d *MailboxDevice) ReadMMIO(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("bcm: mailbox read size %d", len(data))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var value uint32
	switch addr - d.base {
	case mboxRegRead:
		value = d.pending
		d.hasPending = false
	case mboxRegStatus:
		if !d.hasPending {
			value = mboxStatusEmpty
		}
	}
	data[0] = byte(value)
	data[1] = byte(value >> 8)
	data[2] = byte(value >> 16)
	data[3] = byte(value >> 24)
	return nil
}

func (d *MailboxDevice) WriteMMIO(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("bcm: mailbox write size %d", len(data))
	}
	value := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	if addr-d.base != mboxRegWrite {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if value&0xf != propertyChannel {
		return fmt.Errorf("bcm: mailbox write to unsupported channel %d", value&0xf)
	}
	bufAddr := uint64(value &^ 0xf)
	if err := d.handleRequest(bufAddr); err != nil {
		return err
	}
	d.pending = value
	d.hasPending = true
	return nil
}

// handleRequest walks the property buffer's tag sequence and answers each
// tag it knows, then sets the buffer code to the success response.
func (d *MailboxDevice) handleRequest(bufAddr uint64) error {
	bufSize, err := machine.ReadUint32(d.ram, bufAddr)
	if err != nil {
		return err
	}
	pos := bufAddr + 8
	end := bufAddr + uint64(bufSize)
	for pos+12 <= end {
		tag, err := machine.ReadUint32(d.ram, pos)
		if err != nil {
			return err
		}
		if tag == 0 {
			break
		}
		valSize, err := machine.ReadUint32(d.ram, pos+4)
		if err != nil {
			return err
		}
		if err := d.handleTag(tag, pos+12, valSize); err != nil {
			return err
		}
		pos += 12 + uint64((valSize+3)&^3)
	}
	return machine.WriteUint32(d.ram, bufAddr+4, RespSuccess)
}

func (d *MailboxDevice) handleTag(tag uint32, valueAddr uint64, valSize uint32) error {
	writeResp := func(words ...uint32) error {
		for i, w := range words {
			if err := machine.WriteUint32(d.ram, valueAddr+uint64(i)*4, w); err != nil {
				return err
			}
		}
		// Bit 31 flags a response; the low bits carry the value length.
		return machine.WriteUint32(d.ram, valueAddr-4, RespSuccess|uint32(len(words)*4))
	}

	switch tag {
	case TagGetArmMemory:
		return writeResp(d.ArmMemBase, d.ArmMemSize)
	case TagGetGpuMemory:
		return writeResp(d.GpuMemBase, d.GpuMemSize)
	case TagGetClockRate:
		clockID, err := machine.ReadUint32(d.ram, valueAddr)
		if err != nil {
			return err
		}
		return writeResp(clockID, d.ClockRates[clockID])
	case TagSetClockRate:
		clockID, err := machine.ReadUint32(d.ram, valueAddr)
		if err != nil {
			return err
		}
		rate, err := machine.ReadUint32(d.ram, valueAddr+4)
		if err != nil {
			return err
		}
		d.ClockRates[clockID] = rate
		return writeResp(clockID, rate)
	default:
		return fmt.Errorf("bcm: unsupported mailbox tag %#x", tag)
	}
}

var _ machine.Device = (*MailboxDevice)(nil)

// Mailbox is the CPU-side client: it stages a 16-byte-aligned property
// message in a scratch region, writes the register and spins on the status
// bits the way the real boot path does.
type Mailbox struct {
	bus     machine.PhysicalMemory
	base    uint64
	scratch uint64
}

// NewMailbox creates a client using scratch as the message staging area.
// The scratch address must be 16-byte aligned and fit in 32 bits, since
// the register only carries a 32-bit pointer.
func NewMailbox(bus machine.PhysicalMemory, board Board, scratch uint64) (*Mailbox, error) {
	if scratch%16 != 0 {
		return nil, fmt.Errorf("bcm: mailbox scratch %#x not 16-byte aligned", scratch)
	}
	if scratch >= 1<<32 {
		return nil, fmt.Errorf("bcm: mailbox scratch %#x does not fit in 32 bits", scratch)
	}
	return &Mailbox{bus: bus, base: board.MailboxBase(), scratch: scratch}, nil
}

// Call sends a single-tag property message and returns respWords response
// words. The request layout is the firmware wire format: buffer size,
// request code, tag, value size, request/response code, value, null tag.
func (m *Mailbox) Call(tag uint32, req []uint32, respWords int) ([]uint32, error) {
	valWords := max(len(req), respWords)
	bufSize := uint32(6+valWords) * 4

	words := make([]uint32, 6+valWords)
	words[0] = bufSize
	words[1] = 0
	words[2] = tag
	words[3] = uint32(valWords * 4)
	words[4] = 0
	copy(words[5:], req)
	// words[5+valWords-...] tail and the final null tag stay zero.

	for i, w := range words {
		if err := machine.WriteUint32(m.bus, m.scratch+uint64(i)*4, w); err != nil {
			return nil, err
		}
	}

	for {
		status, err := machine.ReadUint32(m.bus, m.base+mboxRegStatus)
		if err != nil {
			return nil, err
		}
		if status&mboxStatusFull == 0 {
			break
		}
	}

	if err := machine.WriteUint32(m.bus, m.base+mboxRegWrite, uint32(m.scratch)|propertyChannel); err != nil {
		return nil, err
	}

	for {
		status, err := machine.ReadUint32(m.bus, m.base+mboxRegStatus)
		if err != nil {
			return nil, err
		}
		if status&mboxStatusEmpty == 0 {
			break
		}
	}
	if _, err := machine.ReadUint32(m.bus, m.base+mboxRegRead); err != nil {
		return nil, err
	}

	code, err := machine.ReadUint32(m.bus, m.scratch+4)
	if err != nil {
		return nil, err
	}
	if code != RespSuccess {
		return nil, fmt.Errorf("%w: code %#x", ErrRespNotOk, code)
	}

	resp := make([]uint32, respWords)
	for i := range resp {
		w, err := machine.ReadUint32(m.bus, m.scratch+20+uint64(i)*4)
		if err != nil {
			return nil, err
		}
		resp[i] = w
	}
	return resp, nil
}

// GetGpuMemory queries the GPU-owned memory range.
func (m *Mailbox) GetGpuMemory() (base, size uint32, err error) {
	resp, err := m.Call(TagGetGpuMemory, nil, 2)
	if err != nil {
		return 0, 0, err
	}
	return resp[0], resp[1], nil
}

// GetArmMemory queries the ARM-owned memory range.
func (m *Mailbox) GetArmMemory() (base, size uint32, err error) {
	resp, err := m.Call(TagGetArmMemory, nil, 2)
	if err != nil {
		return 0, 0, err
	}
	return resp[0], resp[1], nil
}

// GetClockRate reads a clock's current rate in Hz.
func (m *Mailbox) GetClockRate(clockID uint32) (uint32, error) {
	resp, err := m.Call(TagGetClockRate, []uint32{clockID}, 2)
	if err != nil {
		return 0, err
	}
	return resp[1], nil
}

// SetClockRate programs a clock rate in Hz; skipTurbo is passed through.
func (m *Mailbox) SetClockRate(clockID, rate uint32, skipTurbo bool) (uint32, error) {
	turbo := uint32(0)
	if skipTurbo {
		turbo = 1
	}
	resp, err := m.Call(TagSetClockRate, []uint32{clockID, rate, turbo}, 2)
	if err != nil {
		return 0, err
	}
	return resp[1], nil
}
