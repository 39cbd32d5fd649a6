package vmm_test

import (
	"sync"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/mortyos/memcore/boot"
	"github.com/mortyos/memcore/cpu"
	"github.com/mortyos/memcore/paging"
	"github.com/mortyos/memcore/physmem"
	mock_physmem "github.com/mortyos/memcore/physmem/mocks"
	"github.com/mortyos/memcore/vmm"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testMemorySize uint32 = 32 << 20
	testKernelEnd  uint32 = 0x120000
)

type machine struct {
	cpu    *cpu.CPU
	mem    *physmem.Memory
	pool   *physmem.FramePool
	vmm    *vmm.Manager
	layout vmm.StaticLayout
}

func bootMachine(t *testing.T) (*cpu.CPU, vmm.StaticLayout) {
	t.Helper()

	c := cpu.New(nil, physmem.NewMemory(testMemorySize))
	_, err := boot.Enter(nil, c, boot.Params{
		BootInfo:    0x9000,
		KernelStart: 0x100000,
		KernelEnd:   testKernelEnd,
		StackBase:   0xC0110000,
		StackSize:   0x4000,
	})
	require.NoError(t, err)
	return c, vmm.ReserveStatic(testKernelEnd)
}

func newMachine(t *testing.T, options vmm.Options) *machine {
	t.Helper()

	c, layout := bootMachine(t)
	pool := physmem.NewFramePool(nil, []physmem.Region{
		{Base: 0, Length: testMemorySize, Type: physmem.RegionAvailable},
	}, layout.End)

	options.Layout = layout
	manager := vmm.New(nil, c, pool, options)
	require.NoError(t, manager.Init())

	return &machine{
		cpu:    c,
		mem:    c.Memory(),
		pool:   pool,
		vmm:    manager,
		layout: layout,
	}
}

func TestReserveStatic(t *testing.T) {
	layout := vmm.ReserveStatic(0x10A7F3)
	require.Equal(t, vmm.StaticLayout{
		Directory: 0x10B000,
		Tables:    0x10C000,
		End:       0x18C000,
	}, layout)
}

func TestInitInstallsKernelWindow(t *testing.T) {
	m := newMachine(t, vmm.Options{})

	require.Equal(t, vmm.Directory(m.layout.Directory), m.vmm.KernelDirectory())
	require.Equal(t, m.vmm.KernelDirectory(), m.vmm.CurrentDirectory())
	require.Equal(t, m.layout.Directory, m.cpu.Root())
	require.True(t, m.cpu.Interrupts().Registered(cpu.VectorPageFault))

	for _, phys := range []uint32{0x1000, 0x5123, 0x3FFFFF, 0x400000, 0x1234567, paging.KernelWindowSize - 4} {
		translated, err := m.cpu.Translate(paging.HigherHalfBase+phys, cpu.AccessWrite)
		require.NoError(t, err)
		require.Equal(t, phys, translated)
	}

	// the kernel directory has 128 rows in the higher half and nothing else
	dir := m.vmm.KernelDirectory()
	for _, virt := range []uint32{0, 0x40000000, paging.HigherHalfBase + paging.KernelWindowSize} {
		_, outcome, err := m.vmm.Mapping(dir, virt)
		require.NoError(t, err)
		require.Equal(t, vmm.TableAbsent, outcome)
	}
	require.Zero(t, m.pool.UsedCount())
}

func TestInitLeavesPageZeroUnmapped(t *testing.T) {
	m := newMachine(t, vmm.Options{})

	_, outcome, err := m.vmm.Mapping(m.vmm.KernelDirectory(), paging.HigherHalfBase)
	require.NoError(t, err)
	require.Equal(t, vmm.EntryEmpty, outcome)

	_, err = m.cpu.Translate(paging.HigherHalfBase+0x10, cpu.AccessRead)
	require.ErrorIs(t, err, cpu.ErrHalted)
	require.True(t, m.cpu.Halted())
}

func TestInitErrors(t *testing.T) {
	c, _ := bootMachine(t)
	manager := vmm.New(nil, c, physmem.NewFramePool(nil, nil, 0), vmm.Options{})
	require.ErrorIs(t, manager.Init(), vmm.ErrNoStaticLayout)
	require.ErrorIs(t, manager.SwitchDirectory(0x5000), vmm.ErrNotInitialized)

	m := newMachine(t, vmm.Options{})
	require.ErrorIs(t, m.vmm.Init(), vmm.ErrAlreadyInitialized)
}

func TestMapOverwrite(t *testing.T) {
	m := newMachine(t, vmm.Options{})
	dir := m.vmm.KernelDirectory()
	flags := paging.FlagPresent | paging.FlagWritable

	require.NoError(t, m.vmm.Map(dir, 0x40000000, 0x300000, flags))
	phys, err := m.cpu.Translate(0x40000123, cpu.AccessWrite)
	require.NoError(t, err)
	require.Equal(t, uint32(0x300123), phys)

	require.NoError(t, m.vmm.Map(dir, 0x40000000, 0x301000, flags))
	mapped, found := m.vmm.Lookup(dir, 0x40000000)
	require.True(t, found)
	require.Equal(t, uint32(0x301000), mapped)

	// the stale translation was invalidated
	phys, err = m.cpu.Translate(0x40000123, cpu.AccessWrite)
	require.NoError(t, err)
	require.Equal(t, uint32(0x301123), phys)

	stats := m.vmm.Stats()
	require.Equal(t, 1, stats.TablesAllocated)
	require.Equal(t, 2, stats.Maps)
	require.Equal(t, 1, m.pool.UsedCount())
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m := newMachine(t, vmm.Options{})
	dir := m.vmm.KernelDirectory()

	require.NoError(t, m.vmm.Map(dir, 0x40005000, 0x345000, paging.FlagPresent|paging.FlagWritable))
	phys, outcome, err := m.vmm.Mapping(dir, 0x40005000)
	require.NoError(t, err)
	require.Equal(t, vmm.Mapped, outcome)
	require.Equal(t, uint32(0x345000), phys)

	_, err = m.cpu.Translate(0x40005000, cpu.AccessRead)
	require.NoError(t, err)

	outcome, err = m.vmm.Unmap(dir, 0x40005000)
	require.NoError(t, err)
	require.Equal(t, vmm.Mapped, outcome)

	_, found := m.vmm.Lookup(dir, 0x40005000)
	require.False(t, found)
	_, outcome, err = m.vmm.Mapping(dir, 0x40005000)
	require.NoError(t, err)
	require.Equal(t, vmm.EntryEmpty, outcome)

	outcome, err = m.vmm.Unmap(dir, 0x40005000)
	require.NoError(t, err)
	require.Equal(t, vmm.EntryEmpty, outcome)

	// the cached translation is gone with the mapping
	_, err = m.cpu.Translate(0x40005000, cpu.AccessRead)
	require.ErrorIs(t, err, cpu.ErrHalted)
}

func TestUnmapAbsentTable(t *testing.T) {
	m := newMachine(t, vmm.Options{})
	dir := m.vmm.KernelDirectory()

	outcome, err := m.vmm.Unmap(dir, 0x80000000)
	require.NoError(t, err)
	require.Equal(t, vmm.TableAbsent, outcome)

	_, outcome, err = m.vmm.Mapping(dir, 0x80000000)
	require.NoError(t, err)
	require.Equal(t, vmm.TableAbsent, outcome)

	stats := m.vmm.Stats()
	require.Zero(t, stats.TablesAllocated)
	require.Zero(t, stats.Unmaps)
	require.Zero(t, stats.Invalidations)
}

func TestMapFrameZero(t *testing.T) {
	m := newMachine(t, vmm.Options{})
	dir := m.vmm.KernelDirectory()

	require.NoError(t, m.vmm.Map(dir, 0x40002000, 0, paging.FlagPresent))

	phys, outcome, err := m.vmm.Mapping(dir, 0x40002000)
	require.NoError(t, err)
	require.Equal(t, vmm.Mapped, outcome)
	require.Zero(t, phys)

	entry, _, err := m.vmm.Entry(dir, 0x40002000)
	require.NoError(t, err)
	require.Equal(t, paging.FlagPresent, entry.Flags())
}

func TestUserMappingOpensDirectoryRow(t *testing.T) {
	m := newMachine(t, vmm.Options{})

	dir, err := m.vmm.NewDirectory()
	require.NoError(t, err)

	frame, err := m.pool.AllocFrame()
	require.NoError(t, err)
	require.NoError(t, m.vmm.Map(dir, 0x08048000, frame, paging.FlagPresent|paging.FlagWritable|paging.FlagUser))
	require.NoError(t, m.vmm.Map(dir, 0x08049000, frame, paging.FlagPresent|paging.FlagWritable))

	require.NoError(t, m.vmm.SwitchDirectory(dir))
	require.Equal(t, uint32(dir), m.cpu.Root())

	phys, err := m.cpu.Translate(0x08048010, cpu.AccessUser|cpu.AccessWrite)
	require.NoError(t, err)
	require.Equal(t, frame+0x10, phys)

	var faults []vmm.Fault
	m.vmm.SetFaultPolicy(vmm.PolicyFunc(func(fault vmm.Fault) vmm.FaultAction {
		faults = append(faults, fault)
		return vmm.FaultHalt
	}))

	_, err = m.cpu.Translate(0x08049000, cpu.AccessUser)
	require.ErrorIs(t, err, cpu.ErrHalted)
	require.Len(t, faults, 1)
	require.Equal(t, vmm.FaultCause{ProtectionViolation: true, User: true}, faults[0].Cause)
	require.Equal(t, dir, faults[0].Directory)
}

func TestMapOutOfFrames(t *testing.T) {
	ctrl := gomock.NewController(t)
	frames := mock_physmem.NewMockFrameAllocator(ctrl)
	frames.EXPECT().AllocFrame().Return(uint32(0), physmem.ErrOutOfFrames)

	c, layout := bootMachine(t)
	manager := vmm.New(nil, c, frames, vmm.Options{Layout: layout})
	require.NoError(t, manager.Init())

	err := manager.Map(manager.KernelDirectory(), 0x40000000, 0x300000, paging.FlagPresent)
	require.ErrorIs(t, err, physmem.ErrOutOfFrames)

	_, outcome, err := manager.Mapping(manager.KernelDirectory(), 0x40000000)
	require.NoError(t, err)
	require.Equal(t, vmm.TableAbsent, outcome)
}

func TestMapAllocatesZeroedTable(t *testing.T) {
	ctrl := gomock.NewController(t)
	frames := mock_physmem.NewMockFrameAllocator(ctrl)

	c, layout := bootMachine(t)
	table := uint32(0x800000)
	require.NoError(t, c.Memory().WriteWord(table+0x10, 0xDEADBEEF))
	frames.EXPECT().AllocFrame().Return(table, nil)

	manager := vmm.New(nil, c, frames, vmm.Options{Layout: layout})
	require.NoError(t, manager.Init())
	require.NoError(t, manager.Map(manager.KernelDirectory(), 0x40000000, 0x300000, paging.FlagPresent))

	// row 4 held garbage before the table was installed
	_, outcome, err := manager.Mapping(manager.KernelDirectory(), 0x40004000)
	require.NoError(t, err)
	require.Equal(t, vmm.EntryEmpty, outcome)

	row, err := c.Memory().ReadWord(layout.Directory + paging.DirectoryIndex(0x40000000)*paging.EntrySize)
	require.NoError(t, err)
	require.Equal(t, paging.NewEntry(table, paging.FlagPresent|paging.FlagWritable), paging.Entry(row))
}

func TestMapReleasesTableOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	frames := mock_physmem.NewMockFrameAllocator(ctrl)

	// past the end of installed memory, so the table cannot be zeroed
	missing := testMemorySize + paging.PageSize
	frames.EXPECT().AllocFrame().Return(missing, nil)
	frames.EXPECT().FreeFrame(missing).Return(nil)

	c, layout := bootMachine(t)
	manager := vmm.New(nil, c, frames, vmm.Options{Layout: layout})
	require.NoError(t, manager.Init())

	err := manager.Map(manager.KernelDirectory(), 0x40000000, 0x300000, paging.FlagPresent)
	require.ErrorIs(t, err, physmem.ErrOutOfRange)

	_, outcome, err := manager.Mapping(manager.KernelDirectory(), 0x40000000)
	require.NoError(t, err)
	require.Equal(t, vmm.TableAbsent, outcome)
	require.Zero(t, manager.Stats().TablesAllocated)
}

func TestCloneOutOfFramesLeavesDestinationUntouched(t *testing.T) {
	ctrl := gomock.NewController(t)
	frames := mock_physmem.NewMockFrameAllocator(ctrl)

	var allocated, freed []uint32
	next := uint32(0x800000)
	frames.EXPECT().AllocFrame().DoAndReturn(func() (uint32, error) {
		if len(allocated) == 5 {
			return 0, physmem.ErrOutOfFrames
		}
		allocated = append(allocated, next)
		next += paging.PageSize
		return allocated[len(allocated)-1], nil
	}).Times(6)
	frames.EXPECT().FreeFrame(gomock.Any()).DoAndReturn(func(frame uint32) error {
		freed = append(freed, frame)
		return nil
	}).Times(5)

	c, layout := bootMachine(t)
	manager := vmm.New(nil, c, frames, vmm.Options{Layout: layout})
	require.NoError(t, manager.Init())

	dst := uint32(0x900000)
	require.NoError(t, c.Memory().ZeroFrame(dst))

	err := manager.CloneDirectory(vmm.Directory(dst), manager.KernelDirectory())
	require.ErrorIs(t, err, physmem.ErrOutOfFrames)
	require.ElementsMatch(t, allocated, freed)

	for rowIndex := uint32(0); rowIndex < paging.EntriesPerTable; rowIndex++ {
		row, err := c.Memory().ReadWord(dst + rowIndex*paging.EntrySize)
		require.NoError(t, err)
		require.Zero(t, row, "row %d", rowIndex)
	}
	require.Zero(t, manager.Stats().TablesCloned)
}

func TestCloneSharesFrames(t *testing.T) {
	m := newMachine(t, vmm.Options{})
	kernel := m.vmm.KernelDirectory()
	require.NoError(t, m.vmm.Map(kernel, 0x40000000, 0x300000, paging.FlagPresent|paging.FlagWritable))

	clone, err := m.vmm.NewDirectory()
	require.NoError(t, err)
	require.NoError(t, m.vmm.CloneDirectory(clone, kernel))

	phys, found := m.vmm.Lookup(clone, 0x40000000)
	require.True(t, found)
	require.Equal(t, uint32(0x300000), phys)

	phys, found = m.vmm.Lookup(clone, paging.HigherHalfBase+0x5000)
	require.True(t, found)
	require.Equal(t, uint32(0x5000), phys)

	// tables are private, data frames are not
	rowIndex := paging.DirectoryIndex(0x40000000)
	kernelRow, err := m.mem.ReadWord(uint32(kernel) + rowIndex*paging.EntrySize)
	require.NoError(t, err)
	cloneRow, err := m.mem.ReadWord(uint32(clone) + rowIndex*paging.EntrySize)
	require.NoError(t, err)
	require.NotEqual(t, paging.Entry(kernelRow).Frame(), paging.Entry(cloneRow).Frame())
	require.Equal(t, paging.Entry(kernelRow).Flags(), paging.Entry(cloneRow).Flags())

	_, err = m.vmm.Unmap(clone, 0x40000000)
	require.NoError(t, err)
	phys, found = m.vmm.Lookup(kernel, 0x40000000)
	require.True(t, found)
	require.Equal(t, uint32(0x300000), phys)

	stats := m.vmm.Stats()
	require.Equal(t, int(paging.KernelTableCount)+1, stats.TablesCloned)
	// one directory, the source table and its clones
	require.Equal(t, 1+1+int(paging.KernelTableCount)+1, m.pool.UsedCount())
}

func TestCreateInitUserSpace(t *testing.T) {
	m := newMachine(t, vmm.Options{})
	dir, err := m.vmm.NewDirectory()
	require.NoError(t, err)

	code := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xCD, 0x80, 0xEB, 0xFE}
	require.NoError(t, m.vmm.CreateInitUserSpace(dir, code))

	entry, outcome, err := m.vmm.Entry(dir, 0)
	require.NoError(t, err)
	require.Equal(t, vmm.Mapped, outcome)
	require.True(t, entry.HasFlags(paging.FlagPresent|paging.FlagWritable|paging.FlagUser))

	loaded := make([]byte, len(code)+4)
	require.NoError(t, m.mem.ReadBytes(entry.Frame(), loaded))
	require.Equal(t, append(append([]byte(nil), code...), 0, 0, 0, 0), loaded)

	err = m.vmm.CreateInitUserSpace(dir, make([]byte, paging.PageSize+1))
	require.ErrorIs(t, err, vmm.ErrInitCodeTooLarge)
}

func TestSynchronizedMaps(t *testing.T) {
	m := newMachine(t, vmm.Options{Synchronized: true})
	dir := m.vmm.KernelDirectory()

	var wg sync.WaitGroup
	for worker := uint32(0); worker < 4; worker++ {
		wg.Add(1)
		go func(worker uint32) {
			defer wg.Done()
			for page := uint32(0); page < 64; page++ {
				virt := 0x40000000 + worker*paging.TableSpan + page*paging.PageSize
				err := m.vmm.Map(dir, virt, 0x300000+page*paging.PageSize, paging.FlagPresent)
				require.NoError(t, err)
			}
		}(worker)
	}
	wg.Wait()

	for worker := uint32(0); worker < 4; worker++ {
		phys, found := m.vmm.Lookup(dir, 0x40000000+worker*paging.TableSpan+63*paging.PageSize)
		require.True(t, found)
		require.Equal(t, uint32(0x300000+63*paging.PageSize), phys)
	}
	require.Equal(t, 4, m.vmm.Stats().TablesAllocated)
}

func TestWriteJSON(t *testing.T) {
	m := newMachine(t, vmm.Options{})
	require.NoError(t, m.vmm.Map(m.vmm.KernelDirectory(), 0x40000000, 0x300000, paging.FlagPresent))

	writer := jwriter.NewWriter()
	obj := writer.Object()
	m.vmm.WriteJSON(obj)
	obj.End()
	require.NoError(t, writer.Error())

	require.JSONEq(t, `{
		"KernelDirectory": 1179648,
		"CurrentDirectory": 1179648,
		"Stats": {
			"TablesAllocated": 1,
			"TablesCloned": 0,
			"Maps": 1,
			"Unmaps": 0,
			"Invalidations": 1,
			"Faults": 0,
			"FaultsResolved": 0,
			"CopiedPages": 0,
			"ReclaimedPages": 0
		}
	}`, string(writer.Bytes()))
}
