// Package physmem models the loader's view of physical memory: a flat
// address space plus the fixed platform windows segments may be placed in.
package physmem

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// Memory is a physical address space. Offsets passed to ReadAt and WriteAt
// are physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

var ErrOutsideWindows = errors.New("range outside platform windows")

// Window is a fixed physical address range.
type Window struct {
	Name string
	Base uint64
	Len  uint64
}

// End returns the first address past the window.
func (w Window) End() uint64 { return w.Base + w.Len }

// Contains reports whether [addr, addr+size) lies entirely inside w.
func (w Window) Contains(addr, size uint64) bool {
	end, carry := bits.Add64(addr, size, 0)
	if carry != 0 {
		return false
	}
	return addr >= w.Base && end <= w.End()
}

func (w Window) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", w.Name, w.Base, w.End())
}

// Windows is the capability to write physical memory, scoped to a set of
// disjoint windows. Every access is checked before memory is touched.
type Windows struct {
	mem     Memory
	windows []Window
}

// NewWindows scopes mem to the given windows.
func NewWindows(mem Memory, windows ...Window) *Windows {
	return &Windows{mem: mem, windows: append([]Window(nil), windows...)}
}

// Windows returns the windows in the order they were given.
func (w *Windows) Windows() []Window {
	return append([]Window(nil), w.windows...)
}

// Memory returns the underlying address space.
func (w *Windows) Memory() Memory { return w.mem }

// Find returns the window containing [addr, addr+size).
func (w *Windows) Find(addr, size uint64) (Window, bool) {
	for _, win := range w.windows {
		if win.Contains(addr, size) {
			return win, true
		}
	}
	return Window{}, false
}

// Check returns ErrOutsideWindows unless [addr, addr+size) fits in one window.
func (w *Windows) Check(addr, size uint64) error {
	if _, ok := w.Find(addr, size); !ok {
		return fmt.Errorf("%w: [%#x, +%#x)", ErrOutsideWindows, addr, size)
	}
	return nil
}

// WriteAt copies p to physical address addr.
func (w *Windows) WriteAt(addr uint64, p []byte) error {
	if err := w.Check(addr, uint64(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := w.mem.WriteAt(p, int64(addr)); err != nil {
		return fmt.Errorf("write %#x bytes at %#x: %w", len(p), addr, err)
	}
	return nil
}

const zeroChunk = 64 << 10

var zeros [zeroChunk]byte

// ZeroAt clears n bytes starting at addr.
func (w *Windows) ZeroAt(addr, n uint64) error {
	if err := w.Check(addr, n); err != nil {
		return err
	}
	for n > 0 {
		chunk := min(n, zeroChunk)
		if _, err := w.mem.WriteAt(zeros[:chunk], int64(addr)); err != nil {
			return fmt.Errorf("zero %#x bytes at %#x: %w", chunk, addr, err)
		}
		addr += chunk
		n -= chunk
	}
	return nil
}

// ReadAt fills p from physical address addr.
func (w *Windows) ReadAt(addr uint64, p []byte) error {
	if err := w.Check(addr, uint64(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := w.mem.ReadAt(p, int64(addr)); err != nil {
		return fmt.Errorf("read %#x bytes at %#x: %w", len(p), addr, err)
	}
	return nil
}
