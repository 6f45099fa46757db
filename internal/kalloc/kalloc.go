// Package kalloc hands out kernel-owned physical memory after the kernel
// image has been placed. Allocations only move forward and are never freed.
package kalloc

import (
	"errors"
	"fmt"
)

// PageSize is the allocation granule.
const PageSize = 0x1000

var ErrExhausted = errors.New("kernel memory exhausted")

// Bump allocates page-aligned regions from [next, limit).
type Bump struct {
	next  uint64
	limit uint64

	allocations []Allocation
}

// Allocation records a single region handed out by Bump.
type Allocation struct {
	Base uint64
	Size uint64
}

// New returns an allocator starting at the first page boundary at or above
// start and ending at limit.
func New(start, limit uint64) *Bump {
	return &Bump{next: alignUp(start, PageSize), limit: limit}
}

// Allocate reserves size bytes and returns the base address. The region is
// rounded up to whole pages.
func (b *Bump) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("kalloc: cannot allocate zero bytes")
	}
	rounded := alignUp(size, PageSize)
	if rounded < size || b.next > b.limit || rounded > b.limit-b.next {
		return 0, fmt.Errorf("%w: want %#x bytes at %#x, limit %#x", ErrExhausted, size, b.next, b.limit)
	}

	base := b.next
	b.next += rounded
	b.allocations = append(b.allocations, Allocation{Base: base, Size: rounded})
	return base, nil
}

// Next returns the address the next allocation will start at.
func (b *Bump) Next() uint64 { return b.next }

// Allocations returns every region handed out so far, oldest first.
func (b *Bump) Allocations() []Allocation {
	return append([]Allocation(nil), b.allocations...)
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}
