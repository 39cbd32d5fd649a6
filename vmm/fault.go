package vmm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mortyos/memcore/cpu"
	"golang.org/x/exp/slog"
)

// FaultCause is the decoded page-fault error code
type FaultCause struct {
	// ProtectionViolation is set when the page was present but the access was not permitted,
	// and clear when the page was not present at all
	ProtectionViolation bool
	Write               bool
	// User is set when the access came from user mode
	User             bool
	ReservedBit      bool
	InstructionFetch bool
}

// DecodeFault splits a page-fault error code into its fields
func DecodeFault(code uint32) FaultCause {
	return FaultCause{
		ProtectionViolation: code&cpu.FaultProtection != 0,
		Write:               code&cpu.FaultWrite != 0,
		User:                code&cpu.FaultUser != 0,
		ReservedBit:         code&cpu.FaultReserved != 0,
		InstructionFetch:    code&cpu.FaultFetch != 0,
	}
}

// Code re-encodes the cause as an error code
func (c FaultCause) Code() uint32 {
	var code uint32
	if c.ProtectionViolation {
		code |= cpu.FaultProtection
	}
	if c.Write {
		code |= cpu.FaultWrite
	}
	if c.User {
		code |= cpu.FaultUser
	}
	if c.ReservedBit {
		code |= cpu.FaultReserved
	}
	if c.InstructionFetch {
		code |= cpu.FaultFetch
	}
	return code
}

// Lines renders the cause the way the fault report prints it, one field per line
func (c FaultCause) Lines() []string {
	lines := make([]string, 0, 5)

	if c.ProtectionViolation {
		lines = append(lines, "Page-protection Violation")
	} else {
		lines = append(lines, "Non-present Page")
	}

	if c.Write {
		lines = append(lines, "Write Error")
	} else {
		lines = append(lines, "Read Error")
	}

	if c.User {
		lines = append(lines, "User Mode")
	} else {
		lines = append(lines, "Kernel Mode")
	}

	if c.ReservedBit {
		lines = append(lines, "Reserved Write")
	}
	if c.InstructionFetch {
		lines = append(lines, "Instruction Fetch")
	}
	return lines
}

func (c FaultCause) String() string {
	return strings.Join(c.Lines(), ", ")
}

// Fault is one reported page fault
type Fault struct {
	// Address is the faulting virtual address, read from the fault address register
	Address uint32
	// IP is the address of the faulting instruction
	IP        uint32
	Code      uint32
	Cause     FaultCause
	Directory Directory
}

// Report renders the fault as the lines printed to the console
func (f Fault) Report() []string {
	lines := []string{
		fmt.Sprintf("Page fault at 0x%x, virtual faulting address 0x%x", f.IP, f.Address),
		fmt.Sprintf("Error Code: %x", f.Code),
	}
	return append(lines, f.Cause.Lines()...)
}

func (m *Manager) handlePageFault(regs *cpu.Registers) {
	fault := Fault{
		Address:   m.cpu.FaultAddress(),
		IP:        regs.EIP,
		Code:      regs.ErrorCode,
		Cause:     DecodeFault(regs.ErrorCode),
		Directory: m.CurrentDirectory(),
	}

	m.lock.Lock()
	m.stats.Faults++
	m.lastFault = &fault
	policy := m.policy
	m.lock.Unlock()

	m.logger.LogAttrs(context.Background(), slog.LevelWarn, "page fault",
		slog.String("eip", fmt.Sprintf("0x%08X", fault.IP)),
		slog.String("address", fmt.Sprintf("0x%08X", fault.Address)),
		slog.String("errorCode", fmt.Sprintf("%#x", fault.Code)),
		slog.String("cause", fault.Cause.String()),
	)

	switch policy.HandleFault(fault) {
	case FaultResolved:
		m.lock.Lock()
		m.stats.FaultsResolved++
		m.lock.Unlock()
	default:
		for _, line := range fault.Report() {
			m.logger.Error(line)
		}
		m.cpu.Halt()
	}
}

// LastFault returns the most recently reported fault
func (m *Manager) LastFault() (Fault, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if m.lastFault == nil {
		return Fault{}, false
	}
	return *m.lastFault, true
}
