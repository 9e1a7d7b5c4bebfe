package machine

import "fmt"

// Register identifies a core register the boot path programs or reads.
type Register int

const (
	RegisterInvalid Register = iota

	// General-purpose registers used by the kernel entry contract.
	RegisterX0
	RegisterX1
	RegisterX2
	RegisterX3
	RegisterSp
	RegisterPc

	// EL1 system registers programmed during MMU activation.
	RegisterMairEL1
	RegisterTcrEL1
	RegisterTtbr0EL1
	RegisterTtbr1EL1
	RegisterSctlrEL1
	RegisterMidrEL1
)

var registerNames = map[Register]string{
	RegisterX0:       "X0",
	RegisterX1:       "X1",
	RegisterX2:       "X2",
	RegisterX3:       "X3",
	RegisterSp:       "SP",
	RegisterPc:       "PC",
	RegisterMairEL1:  "MAIR_EL1",
	RegisterTcrEL1:   "TCR_EL1",
	RegisterTtbr0EL1: "TTBR0_EL1",
	RegisterTtbr1EL1: "TTBR1_EL1",
	RegisterSctlrEL1: "SCTLR_EL1",
	RegisterMidrEL1:  "MIDR_EL1",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", int(r))
}

// EventKind tags an entry in a core's ordered event trace.
type EventKind int

const (
	EventSysRegWrite EventKind = iota
	EventISB
	EventDSB
	EventSEV
	EventTLBIVMAllE1
)

// Event is one ordered step a core observed. SysRegWrite carries the
// register and the value written; barrier events carry neither.
type Event struct {
	Kind     EventKind
	Register Register
	Value    uint64
}

// Core models one hardware thread as a register file plus an ordered trace
// of the synchronisation-relevant operations performed on it.
type Core struct {
	id      int
	regs    map[Register]uint64
	trace   []Event
	started bool
}

// NewCore creates a core with the given index and MIDR value.
func NewCore(id int, midr uint64) *Core {
	return &Core{
		id: id,
		regs: map[Register]uint64{
			RegisterMidrEL1: midr,
		},
	}
}

func (c *Core) ID() int { return c.id }

// Started reports whether the core has been released from the park loop.
// Core 0 is started by firmware; secondaries flip when Machine.ReleaseCore
// runs.
func (c *Core) Started() bool { return c.id == 0 || c.started }

func (c *Core) setStarted() { c.started = true }

// Register reads a register, returning zero for never-written registers.
func (c *Core) Register(r Register) uint64 { return c.regs[r] }

// SetRegister writes a general-purpose register without tracing.
func (c *Core) SetRegister(r Register, value uint64) { c.regs[r] = value }

// WriteSysReg writes a system register and records it in the trace.
func (c *Core) WriteSysReg(r Register, value uint64) {
	c.regs[r] = value
	c.trace = append(c.trace, Event{Kind: EventSysRegWrite, Register: r, Value: value})
}

// ISB records an instruction synchronisation barrier.
func (c *Core) ISB() { c.trace = append(c.trace, Event{Kind: EventISB}) }

// DSB records a data synchronisation barrier.
func (c *Core) DSB() { c.trace = append(c.trace, Event{Kind: EventDSB}) }

// SEV records a send-event. It does not release a core; that is
// Machine.ReleaseCore.
func (c *Core) SEV() { c.trace = append(c.trace, Event{Kind: EventSEV}) }

// TLBIVMAllE1 records a full EL1 TLB invalidate.
func (c *Core) TLBIVMAllE1() { c.trace = append(c.trace, Event{Kind: EventTLBIVMAllE1}) }

// Trace returns the core's ordered event history.
func (c *Core) Trace() []Event { return c.trace }

// MMUEnabled reports whether SCTLR_EL1.M is set.
func (c *Core) MMUEnabled() bool { return c.regs[RegisterSctlrEL1]&1 != 0 }

// Machine is guest RAM plus the bus and the four cores of a Pi 3/4 class
// board. Construction leaves cores 1-3 parked.
type Machine struct {
	Bus   *Bus
	Cores [4]*Core
}

// New creates a machine with the given RAM size and MIDR value.
func New(ramSize uint64, midr uint64) *Machine {
	bus := NewBus(NewRAM(ramSize))
	m := &Machine{Bus: bus}
	for i := range m.Cores {
		m.Cores[i] = NewCore(i, midr)
	}
	return m
}

// ReleaseCore marks a parked secondary as started. The release protocol
// (argument staging, barrier, mailbox write) lives with the caller; this
// is the wakeup itself.
func (m *Machine) ReleaseCore(id int) error {
	if id <= 0 || id >= len(m.Cores) {
		return fmt.Errorf("machine: core %d is not a parked secondary", id)
	}
	m.Cores[id].setStarted()
	return nil
}
