//go:build !unix

package physmem

import (
	"errors"
	"os"
)

// Mapped is unavailable on this platform; use Sparse.
type Mapped struct{}

func MapFile(path string, size uint64) (*Mapped, error) {
	return nil, errors.New("mapped ram files are not supported on this platform")
}

func (m *Mapped) Size() uint64                             { return 0 }
func (m *Mapped) ReadAt(p []byte, off int64) (int, error)  { return 0, os.ErrInvalid }
func (m *Mapped) WriteAt(p []byte, off int64) (int, error) { return 0, os.ErrInvalid }
func (m *Mapped) Close() error                             { return nil }
