package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/mortyos/memcore/cpu"
	"github.com/mortyos/memcore/heap"
	"github.com/mortyos/memcore/kernel"
	"github.com/mortyos/memcore/paging"
	"github.com/mortyos/memcore/vmm"
)

func parseAddress(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func printChunks(h *heap.Heap) {
	for _, chunk := range h.Dump() {
		allocBit := 0
		if chunk.Allocated {
			allocBit = 1
		}
		fmt.Printf("[ChunkAddr(0x%X), allocBit(%d), ChunkLen(0x%x)]\n", chunk.Address, allocBit, chunk.Length)
	}
	fmt.Printf("high-water mark 0x%08X\n\n", h.HighWaterMark())
}

func printHeapJSON(h *heap.Heap) {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	h.WriteJSON(obj)
	obj.End()
	fmt.Println(string(writer.Bytes()))
}

// Heap implements subcommands.Command for the "heap" command.
type Heap struct {
	json bool
}

// Name implements subcommands.Command.
func (*Heap) Name() string {
	return "heap"
}

// Synopsis implements subcommands.Command.
func (*Heap) Synopsis() string {
	return "allocates the given sizes, then frees them in reverse order, dumping the heap after each step"
}

// Usage implements subcommands.Command.
func (*Heap) Usage() string {
	return "heap [-json] [size...]\n"
}

// SetFlags implements subcommands.Command.
func (h *Heap) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&h.json, "json", false, "dump the heap as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (h *Heap) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	sizes := []uint32{50, 500, 5000}
	if f.NArg() > 0 {
		sizes = sizes[:0]
		for _, arg := range f.Args() {
			size, err := parseAddress(arg)
			if err != nil {
				return fatalf("bad size %q: %v", arg, err)
			}
			sizes = append(sizes, size)
		}
	}

	k, err := bootKernel()
	if err != nil {
		return fatalf("%v", err)
	}
	dump := printChunks
	if h.json {
		dump = printHeapJSON
	}

	ptrs := make([]uint32, 0, len(sizes))
	for _, size := range sizes {
		ptr, err := k.Heap.Allocate(size)
		if err != nil {
			return fatalf("allocate(%d): %v", size, err)
		}
		fmt.Printf("allocate(%d) = 0x%08X\n", size, ptr)
		ptrs = append(ptrs, ptr)
	}
	dump(k.Heap)

	for i := len(ptrs) - 1; i >= 0; i-- {
		if err := k.Heap.Free(ptrs[i]); err != nil {
			return fatalf("free(0x%08X): %v", ptrs[i], err)
		}
		fmt.Printf("free(0x%08X)\n", ptrs[i])
		dump(k.Heap)
	}
	return subcommands.ExitSuccess
}

// Fault implements subcommands.Command for the "fault" command.
type Fault struct {
	write  bool
	user   bool
	fetch  bool
	ip     string
	demand bool
}

// Name implements subcommands.Command.
func (*Fault) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.
func (*Fault) Synopsis() string {
	return "touches a virtual address and reports the page fault it raises"
}

// Usage implements subcommands.Command.
func (*Fault) Usage() string {
	return "fault [-write] [-user] [-fetch] [-ip addr] [-demand] <address>\n"
}

// SetFlags implements subcommands.Command.
func (c *Fault) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.write, "write", false, "perform a write access.")
	f.BoolVar(&c.user, "user", false, "perform the access from user mode.")
	f.BoolVar(&c.fetch, "fetch", false, "perform an instruction fetch.")
	f.StringVar(&c.ip, "ip", "0xC0100000", "instruction pointer reported with the fault.")
	f.BoolVar(&c.demand, "demand", false, "map a fresh frame on not-present faults instead of halting.")
}

// Execute implements subcommands.Command.Execute.
func (c *Fault) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	address, err := parseAddress(f.Arg(0))
	if err != nil {
		return fatalf("bad address %q: %v", f.Arg(0), err)
	}
	ip, err := parseAddress(c.ip)
	if err != nil {
		return fatalf("bad instruction pointer %q: %v", c.ip, err)
	}

	k, err := bootKernel()
	if err != nil {
		return fatalf("%v", err)
	}
	if c.demand {
		k.VMM.SetFaultPolicy(demandPolicy(k))
	}

	access := cpu.AccessRead
	if c.write {
		access |= cpu.AccessWrite
	}
	if c.user {
		access |= cpu.AccessUser
	}
	if c.fetch {
		access |= cpu.AccessFetch
	}

	k.CPU.SetIP(ip)
	phys, translateErr := k.CPU.Translate(address, access)
	if fault, ok := k.VMM.LastFault(); ok {
		for _, line := range fault.Report() {
			fmt.Println(line)
		}
	}
	if translateErr != nil {
		fmt.Printf("access failed: %v (halted: %t)\n", translateErr, k.CPU.Halted())
		return subcommands.ExitSuccess
	}
	fmt.Printf("0x%08X -> 0x%08X\n", address, phys)
	return subcommands.ExitSuccess
}

// demandPolicy backs not-present kernel pages with fresh frames and halts on everything else
func demandPolicy(k *kernel.Kernel) vmm.FaultPolicy {
	return vmm.PolicyFunc(func(fault vmm.Fault) vmm.FaultAction {
		if fault.Cause.ProtectionViolation || fault.Cause.ReservedBit {
			return vmm.FaultHalt
		}
		frame, err := k.Frames.AllocFrame()
		if err != nil {
			return vmm.FaultHalt
		}
		flags := paging.FlagPresent | paging.FlagWritable
		if fault.Cause.User {
			flags |= paging.FlagUser
		}
		if err := k.VMM.Map(fault.Directory, paging.PageBase(fault.Address), frame, flags); err != nil {
			return vmm.FaultHalt
		}
		return vmm.FaultResolved
	})
}

// MemMap implements subcommands.Command for the "memmap" command.
type MemMap struct{}

// Name implements subcommands.Command.
func (*MemMap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.
func (*MemMap) Synopsis() string {
	return "prints the physical memory map and the page pool it produced"
}

// Usage implements subcommands.Command.
func (*MemMap) Usage() string {
	return "memmap\n"
}

// SetFlags implements subcommands.Command.
func (*MemMap) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*MemMap) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	k, err := bootKernel()
	if err != nil {
		return fatalf("%v", err)
	}

	for _, region := range k.Frames.MemoryMap() {
		fmt.Printf("base 0x%08X length 0x%08X %s\n", region.Base, region.Length, region.Type)
	}
	layout := k.VMM.Layout()
	fmt.Printf("kernel 0x%08X-0x%08X (%d KiB)\n", k.Handoff.KernelStart, k.Handoff.KernelEnd, k.Handoff.KernelSizeKiB())
	fmt.Printf("kernel directory 0x%08X, tables 0x%08X-0x%08X\n", layout.Directory, layout.Tables, layout.End)
	fmt.Printf("pages %d, free %d\n", k.Frames.PageCount(), k.Frames.FreeCount())
	return subcommands.ExitSuccess
}

// Clone implements subcommands.Command for the "clone" command.
type Clone struct {
	cow bool
}

// Name implements subcommands.Command.
func (*Clone) Name() string {
	return "clone"
}

// Synopsis implements subcommands.Command.
func (*Clone) Synopsis() string {
	return "builds an init address space, clones it and writes through the clone"
}

// Usage implements subcommands.Command.
func (*Clone) Usage() string {
	return "clone [-cow]\n"
}

// SetFlags implements subcommands.Command.
func (c *Clone) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.cow, "cow", false, "share user pages copy-on-write instead of eagerly.")
}

// Execute implements subcommands.Command.Execute.
func (c *Clone) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	k, err := bootKernel()
	if err != nil {
		return fatalf("%v", err)
	}

	parent, err := k.VMM.NewDirectory()
	if err != nil {
		return fatalf("%v", err)
	}
	if err := k.VMM.CloneDirectory(parent, k.VMM.KernelDirectory()); err != nil {
		return fatalf("%v", err)
	}
	// mov eax, 1; int 0x80; jmp $
	initCode := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xCD, 0x80, 0xEB, 0xFE}
	if err := k.VMM.CreateInitUserSpace(parent, initCode); err != nil {
		return fatalf("%v", err)
	}

	child, err := k.VMM.NewDirectory()
	if err != nil {
		return fatalf("%v", err)
	}
	if c.cow {
		k.VMM.SetFaultPolicy(vmm.CopyOnWritePolicy{Manager: k.VMM})
		err = k.VMM.CloneCopyOnWrite(child, parent)
	} else {
		err = k.VMM.CloneDirectory(child, parent)
	}
	if err != nil {
		return fatalf("%v", err)
	}

	if err := k.VMM.SwitchDirectory(child); err != nil {
		return fatalf("%v", err)
	}
	if err := k.CPU.Write32(0x100, 0xC0FFEE, cpu.AccessUser); err != nil {
		return fatalf("write through clone: %v", err)
	}

	for _, space := range []struct {
		name string
		dir  vmm.Directory
	}{{"parent", parent}, {"child", child}} {
		phys, found := k.VMM.Lookup(space.dir, 0)
		fmt.Printf("%s %s: page 0 -> 0x%08X (mapped: %t)\n", space.name, space.dir, phys, found)
	}
	stats := k.VMM.Stats()
	fmt.Printf("tables cloned %d, pages copied %d\n", stats.TablesCloned, stats.CopiedPages)
	return subcommands.ExitSuccess
}

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	allocations int
}

// Name implements subcommands.Command.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.
func (*Stats) Synopsis() string {
	return "allocates from the heap and prints VMM and heap state as JSON"
}

// Usage implements subcommands.Command.
func (*Stats) Usage() string {
	return "stats [-allocations n]\n"
}

// SetFlags implements subcommands.Command.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.allocations, "allocations", 16, "number of 1000-byte allocations to make first.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	k, err := bootKernel()
	if err != nil {
		return fatalf("%v", err)
	}
	for i := 0; i < s.allocations; i++ {
		if _, err := k.Heap.Allocate(1000); err != nil {
			return fatalf("%v", err)
		}
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	vmmObj := obj.Name("VMM").Object()
	k.VMM.WriteJSON(vmmObj)
	vmmObj.End()
	heapObj := obj.Name("Heap").Object()
	k.Heap.WriteJSON(heapObj)
	heapObj.End()
	obj.End()

	if err := writer.Error(); err != nil {
		return fatalf("%v", err)
	}
	fmt.Fprintln(os.Stdout, string(writer.Bytes()))
	return subcommands.ExitSuccess
}
