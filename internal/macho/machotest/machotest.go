// Package machotest assembles small Mach-O and fat images for tests.
package machotest

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

const (
	i386ThreadState   = 1
	i386ThreadCount   = 16
	x86ThreadState64  = 4
	x86ThreadCount64  = 42
	eipIndex          = 10
	ripIndex          = 16
	mhExecute         = 2
	mhNoUndefs        = 1
	cpuSubtypeI386All = 3
	dataAlign         = 16
)

// Segment is a segment command. FileSize defaults to len(Data); set
// OverrideFileSize to declare a different size than the data provided.
type Segment struct {
	Name    string
	Addr    uint64
	MemSize uint64
	Data    []byte

	OverrideFileSize bool
	FileSize         uint64
}

type command struct {
	kind    types.LoadCmd
	segment *Segment
	entry   uint64
	raw     []byte
}

// Builder accumulates load commands for one image.
type Builder struct {
	is64 bool
	cpu  types.CPU
	cmds []command
}

// New32 starts an i386 image.
func New32() *Builder { return &Builder{cpu: types.CPUI386} }

// New64 starts an x86_64 image.
func New64() *Builder { return &Builder{is64: true, cpu: types.CPUAmd64} }

// CPU overrides the header CPU type.
func (b *Builder) CPU(cpu types.CPU) *Builder {
	b.cpu = cpu
	return b
}

// Segment appends a segment command of the image's word size.
func (b *Builder) Segment(seg Segment) *Builder {
	kind := types.LC_SEGMENT
	if b.is64 {
		kind = types.LC_SEGMENT_64
	}
	b.cmds = append(b.cmds, command{kind: kind, segment: &seg})
	return b
}

// Thread appends an LC_UNIXTHREAD whose instruction pointer is entry.
func (b *Builder) Thread(entry uint64) *Builder {
	b.cmds = append(b.cmds, command{kind: types.LC_UNIXTHREAD, entry: entry})
	return b
}

// Command appends an arbitrary command. body follows the 8 byte prefix.
func (b *Builder) Command(kind types.LoadCmd, body []byte) *Builder {
	b.cmds = append(b.cmds, command{kind: kind, raw: body})
	return b
}

func (b *Builder) headerSize() int {
	if b.is64 {
		return types.FileHeaderSize64
	}
	return types.FileHeaderSize32
}

func (b *Builder) commandSize(c command) int {
	switch {
	case c.segment != nil && b.is64:
		return 72
	case c.segment != nil:
		return 56
	case c.kind == types.LC_UNIXTHREAD && b.is64:
		return 16 + x86ThreadCount64*4
	case c.kind == types.LC_UNIXTHREAD:
		return 16 + i386ThreadCount*4
	default:
		return 8 + len(c.raw)
	}
}

// Bytes lays out the header, the load commands and then segment data in
// command order.
func (b *Builder) Bytes() []byte {
	sizeofcmds := 0
	for _, c := range b.cmds {
		sizeofcmds += b.commandSize(c)
	}
	dataOff := alignUp(b.headerSize()+sizeofcmds, dataAlign)

	var data bytes.Buffer
	offsets := make([]uint64, len(b.cmds))
	for i, c := range b.cmds {
		if c.segment == nil || len(c.segment.Data) == 0 {
			continue
		}
		offsets[i] = uint64(dataOff + data.Len())
		data.Write(c.segment.Data)
		for data.Len()%dataAlign != 0 {
			data.WriteByte(0)
		}
	}

	le := binary.LittleEndian
	var out bytes.Buffer
	magic := types.Magic32
	if b.is64 {
		magic = types.Magic64
	}
	for _, v := range []uint32{uint32(magic), uint32(b.cpu), cpuSubtypeI386All, mhExecute, uint32(len(b.cmds)), uint32(sizeofcmds), mhNoUndefs} {
		binary.Write(&out, le, v)
	}
	if b.is64 {
		binary.Write(&out, le, uint32(0))
	}

	for i, c := range b.cmds {
		switch {
		case c.segment != nil:
			b.writeSegment(&out, c.segment, offsets[i])
		case c.kind == types.LC_UNIXTHREAD:
			b.writeThread(&out, c.entry)
		default:
			binary.Write(&out, le, uint32(c.kind))
			binary.Write(&out, le, uint32(8+len(c.raw)))
			out.Write(c.raw)
		}
	}

	for out.Len() < dataOff {
		out.WriteByte(0)
	}
	out.Write(data.Bytes())
	return out.Bytes()
}

func (b *Builder) writeSegment(out *bytes.Buffer, seg *Segment, fileOff uint64) {
	var name [16]byte
	copy(name[:], seg.Name)
	fileSize := uint64(len(seg.Data))
	if seg.OverrideFileSize {
		fileSize = seg.FileSize
	}

	if b.is64 {
		binary.Write(out, binary.LittleEndian, types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     72,
			Name:    name,
			Addr:    seg.Addr,
			Memsz:   seg.MemSize,
			Offset:  fileOff,
			Filesz:  fileSize,
			Maxprot: 7,
			Prot:    5,
		})
		return
	}
	binary.Write(out, binary.LittleEndian, types.Segment32{
		LoadCmd: types.LC_SEGMENT,
		Len:     56,
		Name:    name,
		Addr:    uint32(seg.Addr),
		Memsz:   uint32(seg.MemSize),
		Offset:  uint32(fileOff),
		Filesz:  uint32(fileSize),
		Maxprot: 7,
		Prot:    5,
	})
}

func (b *Builder) writeThread(out *bytes.Buffer, entry uint64) {
	le := binary.LittleEndian
	if b.is64 {
		state := make([]uint64, x86ThreadCount64/2)
		state[ripIndex] = entry
		for _, v := range []uint32{uint32(types.LC_UNIXTHREAD), 16 + x86ThreadCount64*4, x86ThreadState64, x86ThreadCount64} {
			binary.Write(out, le, v)
		}
		binary.Write(out, le, state)
		return
	}
	state := make([]uint32, i386ThreadCount)
	state[eipIndex] = uint32(entry)
	for _, v := range []uint32{uint32(types.LC_UNIXTHREAD), 16 + i386ThreadCount*4, i386ThreadState, i386ThreadCount} {
		binary.Write(out, le, v)
	}
	binary.Write(out, le, state)
}

// Slice is one architecture of a fat archive.
type Slice struct {
	CPU   types.CPU
	Image []byte
}

const fatAlign = 12

// Fat wraps slices in a fat archive whose header and table use order.
// On-disk archives are big endian. Slices start on 4KiB boundaries.
func Fat(order binary.ByteOrder, slices ...Slice) []byte {
	var out bytes.Buffer
	binary.Write(&out, order, uint32(types.MagicFat))
	binary.Write(&out, order, uint32(len(slices)))

	off := alignUp(8+20*len(slices), 1<<fatAlign)
	offsets := make([]int, len(slices))
	for i, s := range slices {
		offsets[i] = off
		for _, v := range []uint32{uint32(s.CPU), cpuSubtypeI386All, uint32(off), uint32(len(s.Image)), fatAlign} {
			binary.Write(&out, order, v)
		}
		off = alignUp(off+len(s.Image), 1<<fatAlign)
	}
	for i, s := range slices {
		for out.Len() < offsets[i] {
			out.WriteByte(0)
		}
		out.Write(s.Image)
	}
	return out.Bytes()
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
