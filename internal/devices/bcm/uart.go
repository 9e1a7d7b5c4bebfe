package bcm

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/raspiboot/internal/machine"
)

const (
	uartRegDR   = 0x00
	uartRegFR   = 0x18
	uartRegIBRD = 0x24
	uartRegFBRD = 0x28
	uartRegLCRH = 0x2c
	uartRegCR   = 0x30

	uartFlagTxFull  = 1 << 5
	uartFlagRxEmpty = 1 << 4
	uartFlagBusy    = 1 << 3

	uartRegistersSize = 0x48
)

// UARTDevice is the PL011 as the boot path sees it: a byte sink. Bytes
// written to the data register land on the output writer; the FIFO never
// fills, so the busy bit reads clear.
type UARTDevice struct {
	base uint64
	out  io.Writer

	mu                   sync.Mutex
	ibrd, fbrd, lcrh, cr uint32
}

// NewUARTDevice creates the device at the board's PL011 address.
func NewUARTDevice(board Board, out io.Writer) *UARTDevice {
	if out == nil {
		out = io.Discard
	}
	return &UARTDevice{base: board.UARTBase(), out: out}
}

func (d *UARTDevice) MMIORegions() []machine.MMIORegion {
	return []machine.MMIORegion{{Address: d.base, Size: uartRegistersSize}}
}

func (d *UARTDevice) ReadMMIO(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("bcm: uart read size %d", len(data))
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var value uint32
	switch addr - d.base {
	case uartRegFR:
		value = uartFlagRxEmpty
	case uartRegIBRD:
		value = d.ibrd
	case uartRegFBRD:
		value = d.fbrd
	case uartRegLCRH:
		value = d.lcrh
	case uartRegCR:
		value = d.cr
	}
	data[0] = byte(value)
	data[1] = byte(value >> 8)
	data[2] = byte(value >> 16)
	data[3] = byte(value >> 24)
	return nil
}

func (d *UARTDevice) WriteMMIO(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("bcm: uart write size %d", len(data))
	}
	value := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24

	d.mu.Lock()
	defer d.mu.Unlock()

	switch addr - d.base {
	case uartRegDR:
		if _, err := d.out.Write([]byte{byte(value)}); err != nil {
			return fmt.Errorf("bcm: uart output: %w", err)
		}
	case uartRegIBRD:
		d.ibrd = value
	case uartRegFBRD:
		d.fbrd = value
	case uartRegLCRH:
		d.lcrh = value
	case uartRegCR:
		d.cr = value
	}
	return nil
}

var _ machine.Device = (*UARTDevice)(nil)

// UART is the CPU-side byte sink: spin on the busy flag, then write the
// data register. It satisfies io.Writer so the boot banner can fmt into it.
type UART struct {
	bus  machine.PhysicalMemory
	base uint64
}

// NewUART creates the client half for the board's PL011.
func NewUART(bus machine.PhysicalMemory, board Board) *UART {
	return &UART{bus: bus, base: board.UARTBase()}
}

func (u *UART) Write(p []byte) (int, error) {
	for i, b := range p {
		for {
			fr, err := machine.ReadUint32(u.bus, u.base+uartRegFR)
			if err != nil {
				return i, err
			}
			if fr&(uartFlagBusy|uartFlagTxFull) == 0 {
				break
			}
		}
		if err := machine.WriteUint32(u.bus, u.base+uartRegDR, uint32(b)); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

var _ io.Writer = (*UART)(nil)
