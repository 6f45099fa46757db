//go:build unix

package physmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapped is RAM backed by a shared mapping of a file, so the placed image
// can be inspected after the loader exits.
type Mapped struct {
	f    *os.File
	data []byte
}

// MapFile creates (or truncates) path to size bytes and maps it read-write.
// The file is sparse until written.
func MapFile(path string, size uint64) (*Mapped, error) {
	if size == 0 {
		return nil, fmt.Errorf("map %s: zero size", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ram file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size ram file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap ram file: %w", err)
	}
	return &Mapped{f: f, data: data}, nil
}

// Size returns the mapped size.
func (m *Mapped) Size() uint64 { return uint64(len(m.data)) }

func (m *Mapped) check(n int, off int64) error {
	if off < 0 || off > int64(len(m.data)) || n > len(m.data)-int(off) {
		return fmt.Errorf("access [%#x, +%#x) outside mapping of size %#x: %w", off, n, len(m.data), os.ErrInvalid)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	if err := m.check(len(p), off); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements io.WriterAt.
func (m *Mapped) WriteAt(p []byte, off int64) (int, error) {
	if err := m.check(len(p), off); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

// Close flushes the mapping to the file and releases it.
func (m *Mapped) Close() error {
	if m.data == nil {
		return nil
	}
	syncErr := unix.Msync(m.data, unix.MS_SYNC)
	unmapErr := unix.Munmap(m.data)
	m.data = nil
	closeErr := m.f.Close()
	for _, err := range []error{syncErr, unmapErr, closeErr} {
		if err != nil {
			return fmt.Errorf("close ram file: %w", err)
		}
	}
	return nil
}

var _ Memory = &Mapped{}
