package vmm

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/mortyos/memcore/paging"
	"github.com/pkg/errors"
)

// ErrInitCodeTooLarge is returned when the first user program does not fit in one page
var ErrInitCodeTooLarge = errors.New("init code too large for a page")

// NewDirectory allocates a zeroed directory frame
func (m *Manager) NewDirectory() (Directory, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	frame, err := m.frames.AllocFrame()
	if err != nil {
		return 0, cerrors.Wrap(err, "failed to allocate a page directory")
	}
	if err := m.mem.ZeroFrame(frame); err != nil {
		return 0, m.releaseFrames(err, []uint32{frame})
	}
	return Directory(frame), nil
}

// CloneDirectory gives dst its own copy of every table present in src. The copied rows still
// point at the same data frames, so the two address spaces share memory page for page. Rows that
// src does not have are left untouched in dst.
func (m *Manager) CloneDirectory(dst, src Directory) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.cloneTables(dst, src, nil)
}

// cloneTables copies every present table of src into a fresh frame installed in dst. When
// adjust is non-nil it may rewrite each copied row, and the source row is updated to match. Every
// table frame is allocated before dst is touched, so running out of frames leaves both
// directories as they were.
func (m *Manager) cloneTables(dst, src Directory, adjust func(virt uint32, entry paging.Entry) paging.Entry) error {
	var rows []uint32
	for rowIndex := uint32(0); rowIndex < paging.EntriesPerTable; rowIndex++ {
		row, err := m.loadRow(uint32(src), rowIndex)
		if err != nil {
			return err
		}
		if row.Present() {
			rows = append(rows, rowIndex)
		}
	}

	tables := make([]uint32, 0, len(rows))
	for range rows {
		table, err := m.frames.AllocFrame()
		if err != nil {
			err = cerrors.Wrapf(err, "failed to allocate %d page tables for a clone", len(rows))
			return m.releaseFrames(err, tables)
		}
		tables = append(tables, table)
	}

	for i, rowIndex := range rows {
		if err := m.cloneTable(dst, src, rowIndex, tables[i], adjust); err != nil {
			return m.releaseFrames(err, tables[i:])
		}
		m.stats.TablesAllocated++
		m.stats.TablesCloned++
	}
	return nil
}

func (m *Manager) cloneTable(dst, src Directory, rowIndex, table uint32, adjust func(virt uint32, entry paging.Entry) paging.Entry) error {
	row, err := m.loadRow(uint32(src), rowIndex)
	if err != nil {
		return err
	}
	if err := m.mem.CopyFrame(table, row.Frame()); err != nil {
		return err
	}

	if adjust != nil {
		if err := m.adjustTable(row.Frame(), table, rowIndex, adjust); err != nil {
			return err
		}
	}

	return m.storeRow(uint32(dst), rowIndex, paging.NewEntry(table, row.Flags()))
}

func (m *Manager) adjustTable(srcTable, dstTable, rowIndex uint32, adjust func(virt uint32, entry paging.Entry) paging.Entry) error {
	for index := uint32(0); index < paging.EntriesPerTable; index++ {
		entry, err := m.loadRow(srcTable, index)
		if err != nil {
			return err
		}
		if !entry.Present() {
			continue
		}

		virt := paging.Compose(rowIndex, index, 0)
		adjusted := adjust(virt, entry)
		if adjusted == entry {
			continue
		}

		if err := m.storeRow(srcTable, index, adjusted); err != nil {
			return err
		}
		if err := m.storeRow(dstTable, index, adjusted); err != nil {
			return err
		}
		m.invalidate(virt)
	}
	return nil
}

// CreateInitUserSpace copies the first user program into a fresh zeroed frame and maps it
// user-accessible and writable at virtual address 0 of dir
func (m *Manager) CreateInitUserSpace(dir Directory, code []byte) error {
	if len(code) > int(paging.PageSize) {
		return cerrors.Wrapf(ErrInitCodeTooLarge, "%d bytes", len(code))
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	frame, err := m.frames.AllocFrame()
	if err != nil {
		return cerrors.Wrap(err, "failed to allocate the init code frame")
	}
	if err := m.mem.ZeroFrame(frame); err != nil {
		return m.releaseFrames(err, []uint32{frame})
	}
	if err := m.mem.WriteBytes(frame, code); err != nil {
		return m.releaseFrames(err, []uint32{frame})
	}

	if err := m.mapPage(dir, 0, frame, paging.FlagPresent|paging.FlagWritable|paging.FlagUser); err != nil {
		return m.releaseFrames(err, []uint32{frame})
	}
	return nil
}
