package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/go-macho/types"

	"github.com/tinyrange/machboot/internal/bootargs"
	"github.com/tinyrange/machboot/internal/bootctx"
	"github.com/tinyrange/machboot/internal/config"
	"github.com/tinyrange/machboot/internal/devicetree"
	"github.com/tinyrange/machboot/internal/fatal"
	"github.com/tinyrange/machboot/internal/firmware"
	"github.com/tinyrange/machboot/internal/kalloc"
	"github.com/tinyrange/machboot/internal/macho/machotest"
	"github.com/tinyrange/machboot/internal/physmem"
)

type fixedClock uint64

func (c fixedClock) TimeStamp() uint64 { return uint64(c) }

func newLoader(p *config.Profile) (*Loader, *physmem.Sparse) {
	mem := physmem.NewSparse(uint64(p.Memory.Size))
	return &Loader{
		Profile:  p,
		Firmware: firmware.FromProfile(p),
		Memory:   mem,
		Clock:    fixedClock(42),
	}, mem
}

func TestBootFatKernel(t *testing.T) {
	p := config.Default()
	p.Boot.CommandLine = "-v"

	kernel := machotest.New32().
		Segment(machotest.Segment{Name: "__TEXT", Addr: config.KernelAddr, MemSize: 0x3000, Data: bytes.Repeat([]byte{0x90}, 0x2800)}).
		Segment(machotest.Segment{Name: "__DATA", Addr: config.KernelAddr + 0x3000, MemSize: 0x1800, Data: []byte{1, 2, 3, 4}}).
		Segment(machotest.Segment{Name: "__LINKEDIT", Addr: config.KernelAddr + 0x5000, MemSize: 0x1000}).
		Thread(0xc0100040).
		Bytes()
	fat := machotest.Fat(binary.BigEndian,
		machotest.Slice{CPU: types.CPUAmd64, Image: machotest.New64().Bytes()},
		machotest.Slice{CPU: types.CPUI386, Image: kernel},
	)

	l, mem := newLoader(p)
	h, err := l.Boot(fat)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if h.Entry != config.KernelAddr+0x40 {
		t.Fatalf("Entry = %#x", h.Entry)
	}
	if !h.Fat || h.KernelAddr != config.KernelAddr || h.KernelSize != 0x4800 {
		t.Fatalf("handoff = %+v", h)
	}
	// Boot arguments land on the first page past the kernel.
	if h.BootArgs != config.KernelAddr+0x5000 {
		t.Fatalf("BootArgs = %#x, want %#x", h.BootArgs, config.KernelAddr+0x5000)
	}
	if h.Context.State() != bootctx.StateFinalized {
		t.Fatalf("context state = %s", h.Context.State())
	}

	raw := make([]byte, bootargs.Size)
	if _, err := mem.ReadAt(raw, int64(h.BootArgs)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	var args bootargs.BootArgs
	if err := args.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if args.KernelAddr != config.KernelAddr || args.KernelSize != 0x4800 || args.CommandLineString() != "-v" {
		t.Fatalf("boot args kernel/cmdline = %#x %#x %q", args.KernelAddr, args.KernelSize, args.CommandLineString())
	}
	if args.MemoryMapSize != uint32(len(p.Memory.Map))*bootargs.DescriptorSize {
		t.Fatalf("MemoryMapSize = %d", args.MemoryMapSize)
	}
	if uint64(args.DeviceTreeP)+uint64(args.DeviceTreeLength) > h.NextFree {
		t.Fatalf("device tree [%#x, +%#x) past allocator cursor %#x", args.DeviceTreeP, args.DeviceTreeLength, h.NextFree)
	}

	blob := make([]byte, args.DeviceTreeLength)
	if _, err := mem.ReadAt(blob, int64(args.DeviceTreeP)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	tree, _, err := devicetree.Unflatten(blob)
	if err != nil {
		t.Fatalf("Unflatten: %v", err)
	}
	mm := tree.FindNode(bootctx.MemoryMapPath, false)
	if mm == nil {
		t.Fatalf("memory-map node missing")
	}
	var names []string
	for _, prop := range mm.Properties() {
		if prop.Name != devicetree.NameProperty {
			names = append(names, prop.Name)
		}
	}
	if len(names) != 2 || names[0] != "Kernel-__TEXT" || names[1] != "Kernel-__DATA" {
		t.Fatalf("memory-map entries = %v", names)
	}
	data, _ := mm.Property("Kernel-__DATA")
	if binary.LittleEndian.Uint32(data[0:]) != config.KernelAddr+0x3000 || binary.LittleEndian.Uint32(data[4:]) != 0x1800 {
		t.Fatalf("Kernel-__DATA = % x", data)
	}

	text := make([]byte, 4)
	if _, err := mem.ReadAt(text, config.KernelAddr); err != nil || !bytes.Equal(text, []byte{0x90, 0x90, 0x90, 0x90}) {
		t.Fatalf("kernel text = % x, %v", text, err)
	}
}

func TestBootNoMatchingSlice(t *testing.T) {
	fat := machotest.Fat(binary.BigEndian, machotest.Slice{CPU: types.CPUAmd64, Image: machotest.New64().Bytes()})
	l, _ := newLoader(config.Default())
	if _, err := l.Boot(fat); !errors.Is(err, ErrNoSlice) {
		t.Fatalf("Boot err = %v, want ErrNoSlice", err)
	}
}

func TestBootOverflowIsFatal(t *testing.T) {
	kernel := machotest.New64().
		Segment(machotest.Segment{Name: "__TEXT", Addr: 0x20000000, MemSize: 0x1000, Data: []byte{1}}).
		Bytes()
	p := config.Default()
	p.Platform.Arch = "x86_64"

	l, _ := newLoader(p)
	_, err := l.Boot(kernel)
	if !fatal.Is(err) || !errors.Is(err, physmem.ErrOutsideWindows) {
		t.Fatalf("Boot err = %v, want fatal overflow", err)
	}
}

func TestBootStrictProfile(t *testing.T) {
	kernel := machotest.New32().
		Segment(machotest.Segment{Name: "__TEXT", Addr: config.KernelAddr, MemSize: 0x10, Data: make([]byte, 0x20)}).
		Bytes()
	p := config.Default()
	p.Decoder.Strict = true

	l, _ := newLoader(p)
	if _, err := l.Boot(kernel); err == nil {
		t.Fatalf("strict profile accepted filesize larger than vmsize")
	}
}

func TestBootExhaustedKernelWindow(t *testing.T) {
	p := config.Default()
	p.Windows.Kernel.Length = 0x2000
	kernel := machotest.New32().
		Segment(machotest.Segment{Name: "__TEXT", Addr: config.KernelAddr, MemSize: 0x2000, Data: []byte{1}}).
		Bytes()

	l, _ := newLoader(p)
	_, err := l.Boot(kernel)
	if !fatal.Is(err) || !errors.Is(err, kalloc.ErrExhausted) {
		t.Fatalf("Boot err = %v, want fatal exhaustion", err)
	}
}
