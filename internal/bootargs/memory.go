package bootargs

import (
	"fmt"
	"strings"

	"github.com/u-root/uio/uio"
)

// MemoryType classifies a physical memory range using BIOS E820 numbering.
type MemoryType uint32

const (
	MemoryUsable   MemoryType = 1
	MemoryReserved MemoryType = 2
	MemoryACPI     MemoryType = 3
	MemoryNVS      MemoryType = 4
)

// MaxMemoryRanges bounds the loader's internal memory map.
const MaxMemoryRanges = 40

var memoryTypeNames = map[MemoryType]string{
	MemoryUsable:   "usable",
	MemoryReserved: "reserved",
	MemoryACPI:     "acpi",
	MemoryNVS:      "nvs",
}

func (t MemoryType) String() string {
	if name, ok := memoryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// ParseMemoryType accepts the names printed by String, case insensitively.
func ParseMemoryType(name string) (MemoryType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range memoryTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", name)
}

// MemoryRange is one entry of the loader's memory map.
type MemoryRange struct {
	Type   MemoryType
	Base   uint64
	Length uint64
}

// End returns the first address past the range.
func (r MemoryRange) End() uint64 { return r.Base + r.Length }

// EfiMemoryType is the hand-off type code of a memory descriptor.
type EfiMemoryType uint32

const (
	EfiReservedMemoryType EfiMemoryType = 0
	EfiConventionalMemory EfiMemoryType = 7
	EfiACPIReclaimMemory  EfiMemoryType = 9
	EfiACPIMemoryNVS      EfiMemoryType = 10
)

// EfiType maps a range kind to its hand-off code. Unknown kinds are reserved.
func (t MemoryType) EfiType() EfiMemoryType {
	switch t {
	case MemoryUsable:
		return EfiConventionalMemory
	case MemoryACPI:
		return EfiACPIReclaimMemory
	case MemoryNVS:
		return EfiACPIMemoryNVS
	default:
		return EfiReservedMemoryType
	}
}

const (
	DescriptorSize    = 40
	DescriptorVersion = 0
)

// EfiMemoryRange is one hand-off memory descriptor.
type EfiMemoryRange struct {
	Type          EfiMemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// ConvertMemoryMap translates ranges in order. Virtual addresses equal
// physical ones and page counts are length >> pageShift.
func ConvertMemoryMap(ranges []MemoryRange, pageShift uint) []EfiMemoryRange {
	out := make([]EfiMemoryRange, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, EfiMemoryRange{
			Type:          r.Type.EfiType(),
			PhysicalStart: r.Base,
			VirtualStart:  r.Base,
			NumberOfPages: r.Length >> pageShift,
		})
	}
	return out
}

// EncodeMemoryMap lays descriptors out back to back, DescriptorSize bytes
// each.
func EncodeMemoryMap(descs []EfiMemoryRange) []byte {
	w := uio.NewLittleEndianBuffer(make([]byte, 0, len(descs)*DescriptorSize))
	for _, d := range descs {
		w.Write32(uint32(d.Type))
		w.Write32(0)
		w.Write64(d.PhysicalStart)
		w.Write64(d.VirtualStart)
		w.Write64(d.NumberOfPages)
		w.Write64(d.Attribute)
	}
	return w.Data()
}

// DecodeMemoryMap parses an array written by EncodeMemoryMap.
func DecodeMemoryMap(p []byte) ([]EfiMemoryRange, error) {
	if len(p)%DescriptorSize != 0 {
		return nil, fmt.Errorf("memory map of %d bytes is not a multiple of %d", len(p), DescriptorSize)
	}
	r := uio.NewLittleEndianBuffer(p)
	out := make([]EfiMemoryRange, 0, len(p)/DescriptorSize)
	for r.Len() > 0 {
		var d EfiMemoryRange
		d.Type = EfiMemoryType(r.Read32())
		r.Read32()
		d.PhysicalStart = r.Read64()
		d.VirtualStart = r.Read64()
		d.NumberOfPages = r.Read64()
		d.Attribute = r.Read64()
		if err := r.Error(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
