package vmm

import (
	"context"
	"fmt"

	"github.com/mortyos/memcore/paging"
	"golang.org/x/exp/slog"
)

// CloneCopyOnWrite clones src into dst like CloneDirectory, except that writable user pages below
// the higher half are write-protected and tagged paging.FlagCopyOnWrite in both directories. The
// first write to such a page faults; CopyOnWritePolicy then gives the writer a private copy.
// Pages src already shares copy-on-write gain one more sharer. Kernel tables are cloned eagerly
// as usual.
func (m *Manager) CloneCopyOnWrite(dst, src Directory) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	userPage := paging.FlagPresent | paging.FlagUser
	return m.cloneTables(dst, src, func(virt uint32, entry paging.Entry) paging.Entry {
		if virt >= paging.HigherHalfBase || !entry.HasFlags(userPage) {
			return entry
		}
		if !entry.HasAnyFlag(paging.FlagWritable | paging.FlagCopyOnWrite) {
			return entry
		}

		refs, ok := m.cowRefs.Get(entry.Frame())
		if !ok {
			refs = 1
		}
		m.cowRefs.Put(entry.Frame(), refs+1)

		entry.ClearFlags(paging.FlagWritable)
		entry.SetFlags(paging.FlagCopyOnWrite)
		return entry
	})
}

// SharedFrameRefs returns how many address spaces currently share a copy-on-write frame. A frame
// that was never shared reports zero.
func (m *Manager) SharedFrameRefs(frame uint32) int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	refs, _ := m.cowRefs.Get(paging.PageBase(frame))
	return refs
}

// CopyOnWritePolicy resolves write faults on pages tagged by CloneCopyOnWrite. Every other fault
// goes to Fallback, or halts when Fallback is nil.
type CopyOnWritePolicy struct {
	Manager  *Manager
	Fallback FaultPolicy
}

func (p CopyOnWritePolicy) fallback(fault Fault) FaultAction {
	if p.Fallback == nil {
		return FaultHalt
	}
	return p.Fallback.HandleFault(fault)
}

func (p CopyOnWritePolicy) HandleFault(fault Fault) FaultAction {
	if !fault.Cause.ProtectionViolation || !fault.Cause.Write {
		return p.fallback(fault)
	}

	resolved, err := p.Manager.breakSharing(fault.Directory, fault.Address)
	if err != nil {
		p.Manager.logger.LogAttrs(context.Background(), slog.LevelError, "failed to copy shared page",
			slog.String("address", fmt.Sprintf("0x%08X", fault.Address)),
			slog.Any("error", err),
		)
		return FaultHalt
	}
	if !resolved {
		return p.fallback(fault)
	}
	return FaultResolved
}

// breakSharing gives the page at virt a private writable frame. It returns false when the page
// was not tagged copy-on-write.
func (m *Manager) breakSharing(dir Directory, virt uint32) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	entry, outcome, table, err := m.lookupRow(dir, virt)
	if err != nil {
		return false, err
	}
	if outcome != Mapped || !entry.HasFlags(paging.FlagPresent|paging.FlagCopyOnWrite) {
		return false, nil
	}

	frame := entry.Frame()
	refs, ok := m.cowRefs.Get(frame)
	if !ok {
		refs = 1
	}

	entry.ClearFlags(paging.FlagCopyOnWrite)
	entry.SetFlags(paging.FlagWritable)

	if refs > 1 {
		private, err := m.frames.AllocFrame()
		if err != nil {
			return false, err
		}
		if err := m.mem.CopyFrame(private, frame); err != nil {
			return false, err
		}
		entry.SetFrame(private)
		m.stats.CopiedPages++
	} else {
		m.stats.ReclaimedPages++
	}

	switch {
	case refs > 2:
		m.cowRefs.Put(frame, refs-1)
	default:
		m.cowRefs.Delete(frame)
	}

	if err := m.storeRow(table, paging.TableIndex(virt), entry); err != nil {
		return false, err
	}
	m.invalidate(virt)

	m.logger.Debug("copy-on-write resolved",
		slog.String("address", fmt.Sprintf("0x%08X", virt)),
		slog.String("frame", fmt.Sprintf("0x%08X", entry.Frame())),
	)
	return true, nil
}
