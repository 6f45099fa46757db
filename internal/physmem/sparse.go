package physmem

import (
	"fmt"
	"os"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

// Sparse is RAM that only materialises pages once they are written.
// Unwritten memory reads as zero.
type Sparse struct {
	size  uint64
	pages map[uint64]*[pageSize]byte
}

// NewSparse returns an address space of size bytes starting at zero.
func NewSparse(size uint64) *Sparse {
	return &Sparse{size: size, pages: make(map[uint64]*[pageSize]byte)}
}

// Size returns the size of the address space.
func (s *Sparse) Size() uint64 { return s.size }

// Pages returns the number of materialised pages.
func (s *Sparse) Pages() int { return len(s.pages) }

func (s *Sparse) check(n int, off int64) error {
	if off < 0 || uint64(off) > s.size || uint64(n) > s.size-uint64(off) {
		return fmt.Errorf("access [%#x, +%#x) outside memory of size %#x: %w", off, n, s.size, os.ErrInvalid)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (s *Sparse) ReadAt(p []byte, off int64) (int, error) {
	if err := s.check(len(p), off); err != nil {
		return 0, err
	}
	addr := uint64(off)
	n := 0
	for n < len(p) {
		pfn := addr >> pageShift
		inPage := int(addr & pageMask)
		chunk := min(len(p)-n, pageSize-inPage)
		if page, ok := s.pages[pfn]; ok {
			copy(p[n:n+chunk], page[inPage:])
		} else {
			clear(p[n : n+chunk])
		}
		n += chunk
		addr += uint64(chunk)
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (s *Sparse) WriteAt(p []byte, off int64) (int, error) {
	if err := s.check(len(p), off); err != nil {
		return 0, err
	}
	addr := uint64(off)
	n := 0
	for n < len(p) {
		pfn := addr >> pageShift
		inPage := int(addr & pageMask)
		chunk := min(len(p)-n, pageSize-inPage)
		page, ok := s.pages[pfn]
		if !ok {
			page = new([pageSize]byte)
			s.pages[pfn] = page
		}
		copy(page[inPage:], p[n:n+chunk])
		n += chunk
		addr += uint64(chunk)
	}
	return n, nil
}

var _ Memory = &Sparse{}
