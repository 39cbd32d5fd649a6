package vmm

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/mortyos/memcore/paging"
)

// Outcome classifies what a mapping query or an unmap found for a virtual address
type Outcome int

const (
	// Mapped means the governing table exists and the row is non-zero
	Mapped Outcome = iota
	// EntryEmpty means the governing table exists but the row is zero
	EntryEmpty
	// TableAbsent means the directory row for the address holds no table
	TableAbsent
)

func (o Outcome) String() string {
	switch o {
	case Mapped:
		return "Mapped"
	case EntryEmpty:
		return "EntryEmpty"
	case TableAbsent:
		return "TableAbsent"
	default:
		return "Unknown"
	}
}

// Map points the page containing virt at the frame containing phys, with exactly the provided
// flags. A missing page table is allocated from the frame allocator and zero-filled first. An
// existing mapping is overwritten. The cached translation for virt is always invalidated.
func (m *Manager) Map(dir Directory, virt, phys uint32, flags paging.Flags) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.mapPage(dir, virt, phys, flags)
}

func (m *Manager) mapPage(dir Directory, virt, phys uint32, flags paging.Flags) error {
	table, err := m.ensureTable(dir, virt, flags&paging.FlagUser != 0)
	if err != nil {
		return err
	}

	err = m.storeRow(table, paging.TableIndex(virt), paging.NewEntry(phys, flags))
	if err != nil {
		return err
	}

	m.stats.Maps++
	m.invalidate(virt)
	return nil
}

// ensureTable returns the physical frame of the table governing virt, creating it if needed. A
// user mapping also opens the directory row to user mode, since the processor intersects the
// permissions of both levels.
func (m *Manager) ensureTable(dir Directory, virt uint32, user bool) (uint32, error) {
	rowIndex := paging.DirectoryIndex(virt)
	row, err := m.loadRow(uint32(dir), rowIndex)
	if err != nil {
		return 0, err
	}

	if row.Present() {
		if user && !row.HasFlags(paging.FlagUser) {
			row.SetFlags(paging.FlagUser)
			if err := m.storeRow(uint32(dir), rowIndex, row); err != nil {
				return 0, err
			}
		}
		return row.Frame(), nil
	}

	table, err := m.frames.AllocFrame()
	if err != nil {
		return 0, cerrors.Wrapf(err, "failed to allocate a page table for 0x%08X", virt)
	}
	if err := m.mem.ZeroFrame(table); err != nil {
		return 0, m.releaseFrames(err, []uint32{table})
	}

	rowFlags := paging.FlagPresent | paging.FlagWritable
	if user {
		rowFlags |= paging.FlagUser
	}
	if err := m.storeRow(uint32(dir), rowIndex, paging.NewEntry(table, rowFlags)); err != nil {
		return 0, m.releaseFrames(err, []uint32{table})
	}

	m.stats.TablesAllocated++
	return table, nil
}

// releaseFrames returns frames that were never installed to the allocator and reports cause
// along with anything the allocator refused
func (m *Manager) releaseFrames(cause error, frames []uint32) error {
	for _, frame := range frames {
		if err := m.frames.FreeFrame(frame); err != nil {
			cause = cerrors.CombineErrors(cause, err)
		}
	}
	return cause
}

// Unmap clears the row for virt and invalidates its cached translation. When the governing table
// does not exist nothing is touched and TableAbsent is returned. Otherwise the outcome reports
// what the row held before it was cleared.
func (m *Manager) Unmap(dir Directory, virt uint32) (Outcome, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.unmapPage(dir, virt)
}

func (m *Manager) unmapPage(dir Directory, virt uint32) (Outcome, error) {
	_, outcome, table, err := m.lookupRow(dir, virt)
	if err != nil || outcome == TableAbsent {
		return outcome, err
	}

	if err := m.storeRow(table, paging.TableIndex(virt), 0); err != nil {
		return outcome, err
	}

	m.stats.Unmaps++
	m.invalidate(virt)
	return outcome, nil
}

// Mapping returns the frame address held in the row for virt. Unlike Lookup, a row that maps
// physical frame zero is reported as Mapped.
func (m *Manager) Mapping(dir Directory, virt uint32) (uint32, Outcome, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	entry, outcome, _, err := m.lookupRow(dir, virt)
	if err != nil || outcome != Mapped {
		return 0, outcome, err
	}
	return entry.Frame(), Mapped, nil
}

// Lookup reports the frame address mapped at virt, or false when the table is absent or the row
// is zero
func (m *Manager) Lookup(dir Directory, virt uint32) (uint32, bool) {
	phys, outcome, err := m.Mapping(dir, virt)
	if err != nil || outcome != Mapped {
		return 0, false
	}
	return phys, true
}

// Entry returns the raw row for virt, flags included
func (m *Manager) Entry(dir Directory, virt uint32) (paging.Entry, Outcome, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	entry, outcome, _, err := m.lookupRow(dir, virt)
	return entry, outcome, err
}

// lookupRow reads the table row for virt. table is the physical frame of the governing table and
// is only meaningful when the outcome is not TableAbsent.
func (m *Manager) lookupRow(dir Directory, virt uint32) (entry paging.Entry, outcome Outcome, table uint32, err error) {
	row, err := m.loadRow(uint32(dir), paging.DirectoryIndex(virt))
	if err != nil {
		return 0, TableAbsent, 0, err
	}
	if !row.Present() {
		return 0, TableAbsent, 0, nil
	}

	table = row.Frame()
	entry, err = m.loadRow(table, paging.TableIndex(virt))
	if err != nil {
		return 0, TableAbsent, 0, err
	}
	if entry == 0 {
		return 0, EntryEmpty, table, nil
	}
	return entry, Mapped, table, nil
}
