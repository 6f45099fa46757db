// Package bootargs holds the hand-off wire formats shared between the loader
// and the loaded kernel: the boot argument block and the EFI style physical
// memory map it points to.
package bootargs

import (
	"errors"
	"fmt"

	"github.com/u-root/uio/uio"
)

// Wire constants for the boot argument block.
const (
	Size            = 1100
	Revision        = 4
	Version         = 1
	CommandLineSize = 1024

	reservedSize = 8
)

// Display modes.
const (
	DisplayText     = 0
	DisplayGraphics = 1
)

var (
	ErrCommandLineTooLong = errors.New("command line too long")
	ErrShortBlock         = errors.New("boot argument block truncated")
)

// Video describes the boot display.
type Video struct {
	BaseAddr uint32
	Display  uint32
	RowBytes uint32
	Width    uint32
	Height   uint32
	Depth    uint32
}

// BootArgs is the decoded boot argument block. Addresses are physical and
// limited to 32 bits by the wire format.
type BootArgs struct {
	Revision    uint16
	Version     uint16
	CommandLine [CommandLineSize]byte
	Video       Video

	ConvMem uint32 // KiB
	ExtMem  uint32 // KiB

	MemoryMap                  uint32
	MemoryMapSize              uint32
	MemoryMapDescriptorSize    uint32
	MemoryMapDescriptorVersion uint32

	DeviceTreeP      uint32
	DeviceTreeLength uint32

	KernelAddr uint32
	KernelSize uint32
}

// Stamp sets the version and revision the kernel checks on entry.
func (b *BootArgs) Stamp() {
	b.Version = Version
	b.Revision = Revision
}

// SetCommandLine stores s NUL terminated.
func (b *BootArgs) SetCommandLine(s string) error {
	if len(s) >= CommandLineSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrCommandLineTooLong, len(s), CommandLineSize-1)
	}
	b.CommandLine = [CommandLineSize]byte{}
	copy(b.CommandLine[:], s)
	return nil
}

// CommandLineString returns the command line up to its terminator.
func (b *BootArgs) CommandLineString() string {
	for i, c := range b.CommandLine {
		if c == 0 {
			return string(b.CommandLine[:i])
		}
	}
	return string(b.CommandLine[:])
}

// MarshalBinary encodes the block in its little-endian wire layout.
func (b *BootArgs) MarshalBinary() ([]byte, error) {
	w := uio.NewLittleEndianBuffer(make([]byte, 0, Size))
	w.Write16(b.Revision)
	w.Write16(b.Version)
	w.WriteBytes(b.CommandLine[:])
	w.Write32(b.Video.BaseAddr)
	w.Write32(b.Video.Display)
	w.Write32(b.Video.RowBytes)
	w.Write32(b.Video.Width)
	w.Write32(b.Video.Height)
	w.Write32(b.Video.Depth)
	w.Write32(b.ConvMem)
	w.Write32(b.ExtMem)
	w.Write32(b.MemoryMap)
	w.Write32(b.MemoryMapSize)
	w.Write32(b.MemoryMapDescriptorSize)
	w.Write32(b.MemoryMapDescriptorVersion)
	w.Write32(b.DeviceTreeP)
	w.Write32(b.DeviceTreeLength)
	w.Write32(b.KernelAddr)
	w.Write32(b.KernelSize)
	w.WriteBytes(make([]byte, reservedSize))
	return w.Data(), nil
}

// UnmarshalBinary decodes a block produced by MarshalBinary. Bytes past
// Size are ignored.
func (b *BootArgs) UnmarshalBinary(p []byte) error {
	if len(p) < Size {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortBlock, len(p), Size)
	}
	r := uio.NewLittleEndianBuffer(p[:Size])
	b.Revision = r.Read16()
	b.Version = r.Read16()
	r.ReadBytes(b.CommandLine[:])
	b.Video = Video{
		BaseAddr: r.Read32(),
		Display:  r.Read32(),
		RowBytes: r.Read32(),
		Width:    r.Read32(),
		Height:   r.Read32(),
		Depth:    r.Read32(),
	}
	b.ConvMem = r.Read32()
	b.ExtMem = r.Read32()
	b.MemoryMap = r.Read32()
	b.MemoryMapSize = r.Read32()
	b.MemoryMapDescriptorSize = r.Read32()
	b.MemoryMapDescriptorVersion = r.Read32()
	b.DeviceTreeP = r.Read32()
	b.DeviceTreeLength = r.Read32()
	b.KernelAddr = r.Read32()
	b.KernelSize = r.Read32()
	r.Consume(reservedSize)
	return r.FinError()
}
