// Package macho places a Mach-O kernel image into physical memory. It selects
// the slice for the boot CPU from a fat archive, walks the load commands,
// copies segments into the platform windows and extracts the entry point.
package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blacktop/go-macho/types"
	"github.com/u-root/uio/uio"

	"github.com/tinyrange/machboot/internal/fatal"
	"github.com/tinyrange/machboot/internal/physmem"
)

var (
	ErrBadMagic  = errors.New("not a recognized executable")
	ErrTruncated = errors.New("image truncated")
	ErrMalformed = errors.New("malformed image")
)

// AddressMask clears the two reserved top bits of segment and entry
// addresses.
const AddressMask = 0x3fffffff

// UnloadedAddr is the address reported for segments with no file content.
const UnloadedAddr = 0xffffffff

// PrelinkSegment names the prelinked kernel cache segment.
const PrelinkSegment = "__PRELINK"

// OverflowReason is the fatal reason for a segment outside every window.
const OverflowReason = "kernel overflows available space"

const (
	segment32Size = 56
	segment64Size = 72

	threadStateOffset = 16
	eipOffset         = 40
	ripOffset         = 128
)

// Options tune decoding.
type Options struct {
	// CPU is the architecture the image is expected to target. A mismatch
	// with the header is logged. Zero skips the check.
	CPU types.CPU
	// Strict validates every declared length against the image instead of
	// trusting the stream.
	Strict bool
}

// Placement records how one segment command was dispatched.
type Placement struct {
	Name     string
	Kind     types.LoadCmd
	Addr     uint64 // masked vmaddr, or UnloadedAddr
	Size     uint64 // vmsize, or zero when unloaded
	FileOff  uint64
	FileSize uint64
}

// Loaded reports whether the segment had file content to place.
func (p Placement) Loaded() bool { return p.Addr != UnloadedAddr || p.Size != 0 }

// Result describes a decoded image.
type Result struct {
	Entry uint64
	// Addr and Size span every placed segment at or above the kernel window
	// base. Both are zero when no segment qualifies.
	Addr uint64
	Size uint64

	HaveKernelCache bool
	Is64            bool
	CPU             types.CPU
	Segments        []Placement
}

type header struct {
	magic      types.Magic
	cpu        types.CPU
	ncmds      uint32
	sizeofcmds uint32
}

func readHeader(image []byte) (header, uint64, error) {
	if len(image) < 4 {
		return header{}, 0, fmt.Errorf("%w: %d byte image", ErrBadMagic, len(image))
	}
	r := uio.NewLittleEndianBuffer(image)
	h := header{magic: types.Magic(r.Read32())}

	var size uint64
	switch h.magic {
	case types.Magic32:
		size = uint64(types.FileHeaderSize32)
	case types.Magic64:
		size = uint64(types.FileHeaderSize64)
	default:
		return header{}, 0, fmt.Errorf("%w: magic %#08x", ErrBadMagic, uint32(h.magic))
	}
	if uint64(len(image)) < size {
		return header{}, 0, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, size, len(image))
	}

	h.cpu = types.CPU(r.Read32())
	r.Read32() // cpusubtype
	r.Read32() // filetype
	h.ncmds = r.Read32()
	h.sizeofcmds = r.Read32()
	return h, size, r.Error()
}

// Decode places image into mem and reports its entry point and span. The
// first window of mem is the kernel window; segments below its base are
// placed but left out of the reported span. A segment outside every window
// is a fatal error raised before anything of it is written.
func Decode(image []byte, mem *physmem.Windows, opts Options) (*Result, error) {
	h, hdrSize, err := readHeader(image)
	if err != nil {
		return nil, err
	}
	if opts.CPU != 0 && h.cpu != opts.CPU {
		slog.Warn("image cpu type differs from platform", "image", h.cpu, "platform", opts.CPU)
	}

	d := &decoder{
		image:  image,
		mem:    mem,
		opts:   opts,
		is64:   h.magic == types.Magic64,
		minAdr: ^uint64(0),
	}
	if wins := mem.Windows(); len(wins) > 0 {
		d.kernelBase = wins[0].Base
	}

	cur, err := newCommandCursor(image, hdrSize, h.ncmds, h.sizeofcmds, opts.Strict)
	if err != nil {
		return nil, err
	}
	for {
		cmd, ok, err := cur.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := d.dispatch(cmd); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Entry:           d.entry & AddressMask,
		HaveKernelCache: d.kernelCache,
		Is64:            d.is64,
		CPU:             h.cpu,
		Segments:        d.segments,
	}
	if d.folded {
		res.Addr = d.minAdr
		res.Size = d.maxEnd - d.minAdr
	}
	return res, nil
}

type decoder struct {
	image []byte
	mem   *physmem.Windows
	opts  Options
	is64  bool

	kernelBase  uint64
	entry       uint64
	kernelCache bool
	segments    []Placement

	folded bool
	minAdr uint64
	maxEnd uint64
}

func (d *decoder) dispatch(cmd loadCommand) error {
	switch cmd.Kind {
	case types.LC_SEGMENT, types.LC_SEGMENT_64:
		p, err := d.segment(cmd)
		if err != nil {
			return err
		}
		d.segments = append(d.segments, p)
		if p.Size != 0 && p.Addr >= d.kernelBase {
			d.folded = true
			d.minAdr = min(d.minAdr, p.Addr)
			d.maxEnd = max(d.maxEnd, p.Addr+p.Size)
		}
		return nil
	case types.LC_UNIXTHREAD:
		return d.unixThread(cmd)
	default:
		slog.Debug("skipping load command", "cmd", cmd.Kind, "offset", cmd.Offset, "size", cmd.Len)
		return nil
	}
}

func (d *decoder) segment(cmd loadCommand) (Placement, error) {
	p := Placement{Kind: cmd.Kind}
	if cmd.Kind == types.LC_SEGMENT {
		if err := cmd.need(segment32Size, d.opts.Strict); err != nil {
			return p, err
		}
		var seg types.Segment32
		if err := binary.Read(bytes.NewReader(cmd.data), binary.LittleEndian, &seg); err != nil {
			return p, fmt.Errorf("%w: segment at %#x: %v", ErrTruncated, cmd.Offset, err)
		}
		p.Name = cstring(seg.Name[:])
		p.Addr = uint64(seg.Addr)
		p.Size = uint64(seg.Memsz)
		p.FileOff = uint64(seg.Offset)
		p.FileSize = uint64(seg.Filesz)
	} else {
		if err := cmd.need(segment64Size, d.opts.Strict); err != nil {
			return p, err
		}
		var seg types.Segment64
		if err := binary.Read(bytes.NewReader(cmd.data), binary.LittleEndian, &seg); err != nil {
			return p, fmt.Errorf("%w: segment at %#x: %v", ErrTruncated, cmd.Offset, err)
		}
		p.Name = cstring(seg.Name[:])
		p.Addr = seg.Addr
		p.Size = seg.Memsz
		p.FileOff = seg.Offset
		p.FileSize = seg.Filesz
	}
	p.Addr &= AddressMask

	if p.FileSize == 0 {
		slog.Debug("segment has no file content", "segment", p.Name)
		p.Addr, p.Size = UnloadedAddr, 0
		return p, nil
	}

	if _, ok := d.mem.Find(p.Addr, p.Size); !ok {
		return p, fatal.Wrap(
			fmt.Errorf("segment %s [%#x, +%#x): %w", p.Name, p.Addr, p.Size, physmem.ErrOutsideWindows),
			OverflowReason,
		)
	}
	if err := d.checkFileRange(p); err != nil {
		return p, err
	}

	if p.Size != 0 && p.Name == PrelinkSegment {
		d.kernelCache = true
	}

	// 64-bit segments that occupy no memory are not copied.
	if cmd.Kind == types.LC_SEGMENT_64 && p.Size == 0 {
		return p, nil
	}

	slog.Debug("placing segment", "segment", p.Name, "addr", fmt.Sprintf("%#x", p.Addr), "vmsize", p.Size, "filesize", p.FileSize)
	if err := d.mem.WriteAt(p.Addr, d.image[p.FileOff:p.FileOff+p.FileSize]); err != nil {
		if errors.Is(err, physmem.ErrOutsideWindows) {
			return p, fatal.Wrap(err, OverflowReason)
		}
		return p, fmt.Errorf("copy segment %s: %w", p.Name, err)
	}
	if p.Size > p.FileSize {
		if err := d.mem.ZeroAt(p.Addr+p.FileSize, p.Size-p.FileSize); err != nil {
			return p, fmt.Errorf("zero segment %s tail: %w", p.Name, err)
		}
	}
	return p, nil
}

func (d *decoder) checkFileRange(p Placement) error {
	end := p.FileOff + p.FileSize
	outside := end < p.FileOff || end > uint64(len(d.image))
	if d.opts.Strict {
		if outside {
			return fmt.Errorf("%w: segment %s file range [%#x, +%#x) outside %#x byte image", ErrMalformed, p.Name, p.FileOff, p.FileSize, len(d.image))
		}
		if p.FileSize > p.Size {
			return fmt.Errorf("%w: segment %s filesize %#x exceeds vmsize %#x", ErrMalformed, p.Name, p.FileSize, p.Size)
		}
		return nil
	}
	if outside {
		return fmt.Errorf("%w: segment %s file range [%#x, +%#x) past end of image", ErrTruncated, p.Name, p.FileOff, p.FileSize)
	}
	return nil
}

func (d *decoder) unixThread(cmd loadCommand) error {
	pcOffset, pcSize := eipOffset, 4
	if d.is64 {
		pcOffset, pcSize = ripOffset, 8
	}
	if err := cmd.need(threadStateOffset+pcOffset+pcSize, d.opts.Strict); err != nil {
		return err
	}

	r := uio.NewLittleEndianBuffer(cmd.data)
	r.Consume(threadStateOffset + pcOffset)
	if d.is64 {
		d.entry = r.Read64()
	} else {
		d.entry = uint64(r.Read32())
	}
	if err := r.Error(); err != nil {
		return fmt.Errorf("%w: thread state: %v", ErrTruncated, err)
	}
	slog.Debug("kernel entry point", "entry", fmt.Sprintf("%#x", d.entry&AddressMask))
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
