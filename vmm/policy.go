package vmm

// FaultAction is what a FaultPolicy decided to do about a fault
type FaultAction int

const (
	// FaultHalt stops the processor
	FaultHalt FaultAction = iota
	// FaultResolved means the policy repaired the mapping and the access should be retried
	FaultResolved
)

func (a FaultAction) String() string {
	switch a {
	case FaultHalt:
		return "Halt"
	case FaultResolved:
		return "Resolved"
	default:
		return "Unknown"
	}
}

// FaultPolicy decides the fate of a page fault after it has been decoded and logged. Policies run
// on the faulting context, synchronously, and must not call back into Manager operations that
// take its lock when the manager is Synchronized.
type FaultPolicy interface {
	HandleFault(fault Fault) FaultAction
}

// HaltPolicy treats every page fault as fatal
type HaltPolicy struct{}

func (HaltPolicy) HandleFault(Fault) FaultAction {
	return FaultHalt
}

// PolicyFunc adapts a plain function to FaultPolicy
type PolicyFunc func(fault Fault) FaultAction

func (f PolicyFunc) HandleFault(fault Fault) FaultAction {
	return f(fault)
}

// SetFaultPolicy replaces the policy consulted by the page-fault handler. A nil policy restores
// HaltPolicy.
func (m *Manager) SetFaultPolicy(policy FaultPolicy) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if policy == nil {
		policy = HaltPolicy{}
	}
	m.policy = policy
}
