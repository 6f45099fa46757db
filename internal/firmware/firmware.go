// Package firmware provides the platform queries the boot context consumes:
// the physical memory map, legacy memory sizes and the platform name.
package firmware

import (
	"github.com/tinyrange/machboot/internal/bootargs"
	"github.com/tinyrange/machboot/internal/config"
)

// Layout is the memory map as enumerated by firmware. Sizes are in KiB and
// are the values reported alongside the map for older kernels.
type Layout struct {
	Ranges          []bootargs.MemoryRange
	ConventionalKiB uint64
	ExtendedKiB     uint64
}

// Static answers every query from fixed values, usually a profile.
type Static struct {
	Name            string
	Ranges          []bootargs.MemoryRange
	ConventionalKiB uint64
	ExtendedKiB     uint64
}

// FromProfile builds a Static firmware from a platform profile.
func FromProfile(p *config.Profile) *Static {
	return &Static{
		Name:            p.Platform.Name,
		Ranges:          p.MemoryRanges(),
		ConventionalKiB: p.Memory.ConventionalKiB,
		ExtendedKiB:     p.Memory.ExtendedKiB,
	}
}

func (s *Static) MemoryMap() (Layout, error) {
	return Layout{
		Ranges:          append([]bootargs.MemoryRange(nil), s.Ranges...),
		ConventionalKiB: s.ConventionalKiB,
		ExtendedKiB:     s.ExtendedKiB,
	}, nil
}

func (s *Static) ConventionalMemorySize() uint64 { return s.ConventionalKiB }
func (s *Static) ExtendedMemorySize() uint64     { return s.ExtendedKiB }
func (s *Static) PlatformName() string           { return s.Name }

// legacyLimit is the top of conventional memory.
const legacyLimit = 0xa0000

// extendedBase is where extended memory starts.
const extendedBase = 0x100000

// legacySizes derives conventional and extended sizes from a map the way
// BIOS int 12h and int 15h/88h style queries would report them.
func legacySizes(ranges []bootargs.MemoryRange) (conv, ext uint64) {
	for _, r := range ranges {
		if r.Type != bootargs.MemoryUsable {
			continue
		}
		if r.Base < legacyLimit {
			conv += min(r.End(), legacyLimit) - r.Base
		}
	}
	// Extended memory is the usable run starting at 1MiB.
	next := uint64(extendedBase)
	for {
		advanced := false
		for _, r := range ranges {
			if r.Type == bootargs.MemoryUsable && r.Base <= next && r.End() > next {
				ext += r.End() - next
				next = r.End()
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	return conv >> 10, ext >> 10
}
