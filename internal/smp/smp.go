// Package smp releases the secondary cores of a Pi 3/4 from the firmware
// park loop and runs the trampoline path that brings each one into the
// kernel with the shared translation-table roots.
package smp

import (
	"fmt"

	"github.com/tinyrange/raspiboot/internal/machine"
	"github.com/tinyrange/raspiboot/internal/mmu"
)

// The park page ABI is bit-exact with the boot ROM: cores 1-3 spin on the
// mailbox registers at 0xe0/0xe8/0xf0 until a non-null pointer is written,
// and the argument staging slots sit at 0xfa0 in 32-byte strides.
const (
	parkRegisterBase = 0xe0
	argsBase         = 0xfa0
	argsStride       = 32
)

// ParkRegister returns the mailbox register address for secondary core i.
func ParkRegister(core int) uint64 {
	return parkRegisterBase + 8*uint64(core-1)
}

// ArgsAddr returns the argument staging address for secondary core i.
func ArgsAddr(core int) uint64 {
	return argsBase + argsStride*uint64(core-1)
}

// ReleaseArgs are the three words staged for a waking secondary.
type ReleaseArgs struct {
	StackTop  uint64
	TTBR0Root uint64
	TTBR1Root uint64
}

// Release wakes one parked secondary: stage the arguments, order them with
// a DSB before the SEV so the target observes them, then write the
// trampoline address into the core's park register.
func Release(m *machine.Machine, core int, trampoline uint64, args ReleaseArgs) error {
	if core <= 0 || core >= len(m.Cores) {
		return fmt.Errorf("smp: core %d is not a parked secondary", core)
	}
	if trampoline == 0 {
		return fmt.Errorf("smp: null trampoline address for core %d", core)
	}

	ram := m.Bus.RAM()
	base := ArgsAddr(core)
	if err := machine.WriteUint64(ram, base, args.StackTop); err != nil {
		return err
	}
	if err := machine.WriteUint64(ram, base+8, args.TTBR0Root); err != nil {
		return err
	}
	if err := machine.WriteUint64(ram, base+16, args.TTBR1Root); err != nil {
		return err
	}

	releasing := m.Cores[0]
	releasing.DSB()
	releasing.SEV()

	if err := machine.WriteUint64(ram, ParkRegister(core), trampoline); err != nil {
		return err
	}
	return m.ReleaseCore(core)
}

// Trampoline is the path a released secondary runs: read the staged
// arguments, take the stack, activate the MMU with the shared roots and
// enter the kernel's secondary entry with the core number in X0.
func Trampoline(m *machine.Machine, core int, secondaryEntry uint64) error {
	if core <= 0 || core >= len(m.Cores) {
		return fmt.Errorf("smp: core %d is not a parked secondary", core)
	}
	c := m.Cores[core]
	if !c.Started() {
		return fmt.Errorf("smp: core %d has not been released", core)
	}

	ram := m.Bus.RAM()
	base := ArgsAddr(core)
	stackTop, err := machine.ReadUint64(ram, base)
	if err != nil {
		return err
	}
	ttbr0, err := machine.ReadUint64(ram, base+8)
	if err != nil {
		return err
	}
	ttbr1, err := machine.ReadUint64(ram, base+16)
	if err != nil {
		return err
	}

	c.SetRegister(machine.RegisterSp, stackTop)
	if err := mmu.Activate(c, ttbr0, ttbr1); err != nil {
		return fmt.Errorf("smp: activate MMU on core %d: %w", core, err)
	}
	c.SetRegister(machine.RegisterX0, uint64(core))
	c.SetRegister(machine.RegisterPc, secondaryEntry)
	return nil
}
