// Package loader sequences a boot: early init of the hand-off context, fat
// slice selection, image placement, relocation of the boot arguments past
// the kernel and finalization of the memory map and device tree.
package loader

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/blacktop/go-macho/types"

	"github.com/tinyrange/machboot/internal/bootctx"
	"github.com/tinyrange/machboot/internal/config"
	"github.com/tinyrange/machboot/internal/entropy"
	"github.com/tinyrange/machboot/internal/kalloc"
	"github.com/tinyrange/machboot/internal/macho"
	"github.com/tinyrange/machboot/internal/physmem"
)

var ErrNoSlice = errors.New("fat archive has no slice for this cpu")

// KernelEntryPrefix prefixes the memory-map entry of each placed segment.
const KernelEntryPrefix = "Kernel-"

// Loader boots Mach-O images into a physical memory.
type Loader struct {
	Profile  *config.Profile
	Firmware bootctx.Firmware
	Memory   physmem.Memory

	// HardwareRNG and Clock feed the early random seed. A nil HardwareRNG
	// selects the time-stamp path.
	HardwareRNG entropy.HardwareRNG
	Clock       entropy.Clock
}

// Handoff is everything needed to transfer control to the kernel: jump to
// Entry with BootArgs as the only argument.
type Handoff struct {
	Entry    uint64
	BootArgs uint64

	KernelAddr      uint64
	KernelSize      uint64
	HaveKernelCache bool
	Fat             bool
	CPU             types.CPU
	Segments        []macho.Placement

	// NextFree is the first kernel memory address not yet allocated.
	NextFree uint64
	Context  *bootctx.Builder
}

// Windows returns the platform windows of the profile over mem, kernel
// window first.
func Windows(p *config.Profile, mem physmem.Memory) *physmem.Windows {
	wins := []physmem.Window{{
		Name: "kernel",
		Base: uint64(p.Windows.Kernel.Base),
		Len:  uint64(p.Windows.Kernel.Length),
	}}
	if p.Windows.Hibernation.Length != 0 {
		wins = append(wins, physmem.Window{
			Name: "hibernation",
			Base: uint64(p.Windows.Hibernation.Base),
			Len:  uint64(p.Windows.Hibernation.Length),
		})
	}
	return physmem.NewWindows(mem, wins...)
}

// Boot places image and builds the hand-off context. Errors marked with
// fatal must halt the machine.
func (l *Loader) Boot(image []byte) (*Handoff, error) {
	p := l.Profile
	if p == nil {
		p = config.Default()
	}
	cpu, err := p.CPU()
	if err != nil {
		return nil, err
	}
	mem := Windows(p, l.Memory)

	opts := []bootctx.Option{
		bootctx.WithFSBFrequency(p.Platform.FSBFrequency),
		bootctx.WithPageShift(p.Memory.PageShift),
	}
	if l.HardwareRNG != nil {
		opts = append(opts, bootctx.WithHardwareRNG(l.HardwareRNG))
	}
	if l.Clock != nil {
		opts = append(opts, bootctx.WithClock(l.Clock))
	}
	ctx := bootctx.New(l.Firmware, mem, opts...)

	if err := ctx.EarlyInit(p.Boot.Device); err != nil {
		return nil, fmt.Errorf("early init: %w", err)
	}
	if p.Boot.CommandLine != "" {
		if err := ctx.SetCommandLine(p.Boot.CommandLine); err != nil {
			return nil, err
		}
	}

	thin, err := macho.ThinFatFile(image, cpu)
	if err != nil {
		return nil, fmt.Errorf("select architecture: %w", err)
	}
	if thin.Fat && !thin.Matched {
		return nil, fmt.Errorf("%w: %v", ErrNoSlice, cpu)
	}
	if thin.Fat {
		slog.Debug("selected fat slice", "cpu", cpu, "offset", thin.Offset, "size", thin.Size)
	}

	res, err := macho.Decode(thin.Image, mem, macho.Options{CPU: cpu, Strict: p.Decoder.Strict})
	if err != nil {
		return nil, fmt.Errorf("decode kernel: %w", err)
	}

	kernelWin := mem.Windows()[0]
	start := kernelWin.Base
	if res.Size != 0 {
		start = res.Addr + res.Size
	}
	alloc := kalloc.New(start, kernelWin.End())

	if err := ctx.RecordKernel(res.Addr, res.Size); err != nil {
		return nil, err
	}
	for _, seg := range res.Segments {
		if !seg.Loaded() {
			continue
		}
		if err := ctx.AddMemoryMapEntry(KernelEntryPrefix+seg.Name, seg.Addr, seg.Size); err != nil {
			return nil, fmt.Errorf("record segment %s: %w", seg.Name, err)
		}
	}

	if err := ctx.Relocate(alloc); err != nil {
		return nil, fmt.Errorf("relocate boot arguments: %w", err)
	}
	if err := ctx.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize boot context: %w", err)
	}

	h := &Handoff{
		Entry:           res.Entry,
		BootArgs:        ctx.BootArgsAddr(),
		KernelAddr:      res.Addr,
		KernelSize:      res.Size,
		HaveKernelCache: res.HaveKernelCache,
		Fat:             thin.Fat,
		CPU:             res.CPU,
		Segments:        res.Segments,
		NextFree:        alloc.Next(),
		Context:         ctx,
	}
	slog.Info("kernel loaded",
		"entry", fmt.Sprintf("%#x", h.Entry),
		"kernel", fmt.Sprintf("[%#x, +%#x)", h.KernelAddr, h.KernelSize),
		"boot_args", fmt.Sprintf("%#x", h.BootArgs),
		"kernel_cache", h.HaveKernelCache,
	)
	return h, nil
}
