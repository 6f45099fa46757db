// Package bootctx builds the hand-off context a Mach-O kernel expects on
// entry: the boot argument block, the EFI style memory map and the flattened
// device tree. A Builder moves through early init, relocation and finalize
// exactly once each, in that order.
package bootctx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/machboot/internal/bootargs"
	"github.com/tinyrange/machboot/internal/devicetree"
	"github.com/tinyrange/machboot/internal/entropy"
	"github.com/tinyrange/machboot/internal/fatal"
	"github.com/tinyrange/machboot/internal/firmware"
	"github.com/tinyrange/machboot/internal/physmem"
)

// Firmware answers the platform queries made during early init.
type Firmware interface {
	MemoryMap() (firmware.Layout, error)
	ConventionalMemorySize() uint64
	ExtendedMemorySize() uint64
	PlatformName() string
}

// Allocator hands out kernel-owned physical memory.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
}

// State is the builder phase.
type State int

const (
	StateNew State = iota
	StateEarlyInit
	StateRelocated
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateEarlyInit:
		return "early-init"
	case StateRelocated:
		return "relocated"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrPhase = errors.New("boot context phase out of order")

// Tree paths and property names the kernel looks up.
const (
	PlatformPath  = "/efi/platform"
	ChosenPath    = "/chosen"
	MemoryMapPath = "/chosen/memory-map"

	RandomSeedSize = 32

	DefaultFSBFrequency = 266 * 1000 * 1000
	DefaultPageShift    = 12
)

// Option configures a Builder.
type Option func(*Builder)

// WithHardwareRNG sets the random instruction used for the early seed.
func WithHardwareRNG(hw entropy.HardwareRNG) Option {
	return func(b *Builder) { b.hw = hw }
}

// WithClock sets the time-stamp source for the fallback seed.
func WithClock(clk entropy.Clock) Option {
	return func(b *Builder) { b.clk = clk }
}

// WithFSBFrequency overrides the front-side bus frequency in Hz.
func WithFSBFrequency(hz uint64) Option {
	return func(b *Builder) { b.fsbFrequency = hz }
}

// WithPageShift overrides the page shift used for memory map page counts.
func WithPageShift(shift uint) Option {
	return func(b *Builder) { b.pageShift = shift }
}

// privateInfo is loader state that is never handed to the kernel.
type privateInfo struct {
	bootDevice      int
	ranges          []bootargs.MemoryRange
	conventionalKiB uint64
	extendedKiB     uint64
}

// Builder owns the boot argument block, the private info and the tree.
type Builder struct {
	fw  Firmware
	mem *physmem.Windows

	hw           entropy.HardwareRNG
	clk          entropy.Clock
	fsbFrequency uint64
	pageShift    uint

	state State
	info  privateInfo

	// args is the loader-owned block. After relocation the copy at argsAddr
	// in physical memory is authoritative.
	args     bootargs.BootArgs
	argsAddr uint64
	alloc    Allocator

	tree          *devicetree.Tree
	memoryMapNode *devicetree.Node
	seedMethod    entropy.Method
}

// New returns a builder that queries fw and writes kernel-owned structures
// through mem.
func New(fw Firmware, mem *physmem.Windows, opts ...Option) *Builder {
	b := &Builder{
		fw:           fw,
		mem:          mem,
		clk:          entropy.HostClock{},
		fsbFrequency: DefaultFSBFrequency,
		pageShift:    DefaultPageShift,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EarlyInit gathers the memory map, builds the initial device tree and
// stamps the boot argument block. Later calls only record bootDevice.
func (b *Builder) EarlyInit(bootDevice int) error {
	if b.state != StateNew {
		b.info.bootDevice = bootDevice
		return nil
	}

	b.args = bootargs.BootArgs{}
	b.info = privateInfo{}

	layout, err := b.fw.MemoryMap()
	if err != nil {
		slog.Warn("firmware memory map unavailable", "error", err)
		layout = firmware.Layout{}
	}
	ranges := layout.Ranges
	if len(ranges) > bootargs.MaxMemoryRanges {
		slog.Warn("dropping memory ranges past the map limit", "ranges", len(ranges), "limit", bootargs.MaxMemoryRanges)
		ranges = ranges[:bootargs.MaxMemoryRanges]
	}
	b.info.ranges = append([]bootargs.MemoryRange(nil), ranges...)
	b.info.conventionalKiB = layout.ConventionalKiB
	b.info.extendedKiB = layout.ExtendedKiB

	if len(b.info.ranges) == 0 {
		// Without a map only the coarse legacy sizes are known.
		b.info.conventionalKiB = b.fw.ConventionalMemorySize()
		b.info.extendedKiB = b.fw.ExtendedMemorySize()
	}
	b.args.ConvMem = uint32(b.info.conventionalKiB)
	b.args.ExtMem = uint32(b.info.extendedKiB)
	b.args.Video.Display = bootargs.DisplayText

	if err := b.buildTree(); err != nil {
		return err
	}

	b.args.Stamp()
	b.info.bootDevice = bootDevice
	b.state = StateEarlyInit

	slog.Debug("boot context initialised",
		"ranges", len(b.info.ranges),
		"conv_kib", b.info.conventionalKiB,
		"ext_kib", b.info.extendedKiB,
		"seed", b.seedMethod,
	)
	return nil
}

func (b *Builder) buildTree() error {
	b.tree = devicetree.New()

	root := b.tree.FindNode("/", true)
	if root == nil {
		return fatal.New("couldn't create root node")
	}
	name := append([]byte(b.fw.PlatformName()), 0)
	if err := root.AddProperty("compatible", name); err != nil {
		return fatal.Wrap(err, "couldn't set platform identity")
	}
	if err := root.AddProperty("model", name); err != nil {
		return fatal.Wrap(err, "couldn't set platform identity")
	}

	platform := b.tree.FindNode(PlatformPath, true)
	if platform == nil {
		return fatal.New(fmt.Sprintf("couldn't create %q node, kernel will not boot correctly", PlatformPath))
	}
	chosen := b.tree.FindNode(ChosenPath, true)
	if chosen == nil {
		return fatal.New(fmt.Sprintf("couldn't create %q node, kernel will not boot correctly", ChosenPath))
	}

	seed := make([]byte, RandomSeedSize)
	b.seedMethod = entropy.Fill(seed, b.hw, b.clk)
	if err := chosen.AddProperty("random-seed", seed); err != nil {
		return fatal.Wrap(err, "couldn't record random seed")
	}

	var fsb [8]byte
	binary.LittleEndian.PutUint64(fsb[:], b.fsbFrequency)
	if err := platform.AddProperty("FSBFrequency", fsb[:]); err != nil {
		return fatal.Wrap(err, "couldn't record bus frequency")
	}

	b.memoryMapNode = b.tree.FindNode(MemoryMapPath, true)
	if b.memoryMapNode == nil {
		return fatal.New(fmt.Sprintf("couldn't create %q node", MemoryMapPath))
	}
	return nil
}

// Relocate moves the boot argument block into kernel memory from alloc.
// alloc is kept for the allocations Finalize makes.
func (b *Builder) Relocate(alloc Allocator) error {
	if b.state != StateEarlyInit {
		return fmt.Errorf("%w: relocate in state %s", ErrPhase, b.state)
	}

	addr, err := b.allocate(alloc, bootargs.Size, "couldn't allocate boot arguments")
	if err != nil {
		return err
	}
	if err := b.writeArgs(addr, &b.args); err != nil {
		return err
	}

	b.argsAddr = addr
	b.alloc = alloc
	b.state = StateRelocated
	slog.Debug("boot arguments relocated", "addr", fmt.Sprintf("%#x", addr))
	return nil
}

// Finalize converts the memory map and flattens the device tree into kernel
// memory, recording both in the boot argument block.
func (b *Builder) Finalize() error {
	if b.state != StateRelocated {
		return fmt.Errorf("%w: finalize in state %s", ErrPhase, b.state)
	}
	if len(b.info.ranges) == 0 {
		return fatal.New("unable to convert memory map into proper format")
	}

	descs := bootargs.ConvertMemoryMap(b.info.ranges, b.pageShift)
	mmap := bootargs.EncodeMemoryMap(descs)
	mmapAddr, err := b.allocate(b.alloc, uint64(len(mmap)), "couldn't allocate memory map")
	if err != nil {
		return err
	}
	if err := b.mem.WriteAt(mmapAddr, mmap); err != nil {
		return fatal.Wrap(err, "couldn't write memory map")
	}

	size := b.tree.FlattenedSize()
	dtAddr, err := b.allocate(b.alloc, uint64(size), "couldn't allocate device tree")
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	n, err := b.tree.FlattenInto(buf)
	if err != nil {
		return fatal.Wrap(err, "couldn't flatten device tree")
	}
	if err := b.mem.WriteAt(dtAddr, buf[:n]); err != nil {
		return fatal.Wrap(err, "couldn't write device tree")
	}

	err = b.update(func(a *bootargs.BootArgs) error {
		a.MemoryMap = uint32(mmapAddr)
		a.MemoryMapSize = uint32(len(mmap))
		a.MemoryMapDescriptorSize = bootargs.DescriptorSize
		a.MemoryMapDescriptorVersion = bootargs.DescriptorVersion
		a.DeviceTreeP = uint32(dtAddr)
		a.DeviceTreeLength = uint32(n)
		return nil
	})
	if err != nil {
		return err
	}

	b.state = StateFinalized
	slog.Debug("boot context finalized",
		"memory_map", fmt.Sprintf("%#x", mmapAddr),
		"descriptors", len(descs),
		"device_tree", fmt.Sprintf("%#x", dtAddr),
		"device_tree_len", n,
	)
	return nil
}

// allocate returns kernel memory below 4GiB, the reach of the block's
// pointer fields. Failure is fatal.
func (b *Builder) allocate(alloc Allocator, size uint64, reason string) (uint64, error) {
	if alloc == nil {
		return 0, fatal.New(reason + ": no allocator")
	}
	addr, err := alloc.Allocate(size)
	if err != nil {
		return 0, fatal.Wrap(err, reason)
	}
	if addr == 0 || addr+size > 1<<32 {
		return 0, fatal.New(fmt.Sprintf("%s: unusable address %#x", reason, addr))
	}
	return addr, nil
}

func (b *Builder) writeArgs(addr uint64, args *bootargs.BootArgs) error {
	p, err := args.MarshalBinary()
	if err != nil {
		return fatal.Wrap(err, "couldn't encode boot arguments")
	}
	if err := b.mem.WriteAt(addr, p); err != nil {
		return fatal.Wrap(err, "couldn't write boot arguments")
	}
	return nil
}

// update applies fn to the authoritative boot argument block.
func (b *Builder) update(fn func(*bootargs.BootArgs) error) error {
	if b.state < StateRelocated {
		return fn(&b.args)
	}
	args, err := b.BootArgs()
	if err != nil {
		return err
	}
	if err := fn(&args); err != nil {
		return err
	}
	return b.writeArgs(b.argsAddr, &args)
}

func (b *Builder) mutable(op string) error {
	if b.state != StateEarlyInit && b.state != StateRelocated {
		return fmt.Errorf("%w: %s in state %s", ErrPhase, op, b.state)
	}
	return nil
}

// SetCommandLine stores the kernel command line.
func (b *Builder) SetCommandLine(cmdline string) error {
	if err := b.mutable("set command line"); err != nil {
		return err
	}
	return b.update(func(a *bootargs.BootArgs) error { return a.SetCommandLine(cmdline) })
}

// RecordKernel stores the loaded kernel range.
func (b *Builder) RecordKernel(addr, size uint64) error {
	if err := b.mutable("record kernel"); err != nil {
		return err
	}
	if addr+size > 1<<32 {
		return fmt.Errorf("kernel range [%#x, +%#x) beyond 4GiB", addr, size)
	}
	return b.update(func(a *bootargs.BootArgs) error {
		a.KernelAddr = uint32(addr)
		a.KernelSize = uint32(size)
		return nil
	})
}

// SetVideo replaces the display description.
func (b *Builder) SetVideo(v bootargs.Video) error {
	if err := b.mutable("set video"); err != nil {
		return err
	}
	return b.update(func(a *bootargs.BootArgs) error {
		a.Video = v
		return nil
	})
}

// AddMemoryMapEntry records a named physical range under the memory-map
// node as {u32 addr, u32 length}.
func (b *Builder) AddMemoryMapEntry(name string, addr, length uint64) error {
	if err := b.mutable("add memory map entry"); err != nil {
		return err
	}
	var v [8]byte
	binary.LittleEndian.PutUint32(v[0:], uint32(addr))
	binary.LittleEndian.PutUint32(v[4:], uint32(length))
	return b.memoryMapNode.AddProperty(name, v[:])
}

// BootArgs returns a copy of the authoritative boot argument block.
func (b *Builder) BootArgs() (bootargs.BootArgs, error) {
	if b.state < StateRelocated {
		return b.args, nil
	}
	p := make([]byte, bootargs.Size)
	if err := b.mem.ReadAt(b.argsAddr, p); err != nil {
		return bootargs.BootArgs{}, fmt.Errorf("read boot arguments: %w", err)
	}
	var args bootargs.BootArgs
	if err := args.UnmarshalBinary(p); err != nil {
		return bootargs.BootArgs{}, err
	}
	return args, nil
}

// Tree returns the device tree, nil before early init.
func (b *Builder) Tree() *devicetree.Tree { return b.tree }

// BootArgsAddr returns the physical address of the relocated block, zero
// before relocation.
func (b *Builder) BootArgsAddr() uint64 { return b.argsAddr }

// BootDevice returns the device recorded by the latest EarlyInit.
func (b *Builder) BootDevice() int { return b.info.bootDevice }

// State returns the current phase.
func (b *Builder) State() State { return b.state }

// SeedMethod reports how the random seed was produced.
func (b *Builder) SeedMethod() entropy.Method { return b.seedMethod }

// MemoryRanges returns the memory map gathered at early init.
func (b *Builder) MemoryRanges() []bootargs.MemoryRange {
	return append([]bootargs.MemoryRange(nil), b.info.ranges...)
}
