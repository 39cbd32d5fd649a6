package cpu

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// ErrUnhandledInterrupt is returned when a vector fires with no handler registered
var ErrUnhandledInterrupt = errors.New("no handler registered for interrupt vector")

const (
	// VectorPageFault is the hardware-defined page-fault exception vector
	VectorPageFault uint8 = 14
	vectorCount           = 256
)

// Registers is the state pushed for an interrupt handler: the vector, the hardware error code
// (if the vector defines one) and the instruction pointer of the interrupted instruction.
type Registers struct {
	Vector    uint8
	ErrorCode uint32
	EIP       uint32
}

// Handler services one interrupt vector. Handlers run synchronously on the interrupted context.
type Handler func(regs *Registers)

// InterruptTable maps vectors to handlers
type InterruptTable struct {
	handlers [vectorCount]Handler
}

// Register installs handler for vector, replacing any previous handler
func (t *InterruptTable) Register(vector uint8, handler Handler) {
	t.handlers[vector] = handler
}

// Registered reports whether vector has a handler
func (t *InterruptTable) Registered(vector uint8) bool {
	return t.handlers[vector] != nil
}

// Dispatch runs the handler registered for regs.Vector
func (t *InterruptTable) Dispatch(regs *Registers) error {
	handler := t.handlers[regs.Vector]
	if handler == nil {
		return cerrors.Wrapf(ErrUnhandledInterrupt, "vector %d", regs.Vector)
	}
	handler(regs)
	return nil
}
