package firmware

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tinyrange/machboot/internal/bootargs"
)

// DefaultSysfsRoot is where Linux exposes sysfs.
const DefaultSysfsRoot = "/sys"

var ErrNoMemoryMap = errors.New("no firmware memory map in sysfs")

// Sysfs reads the host firmware memory map from /sys/firmware/memmap. Each
// entry directory holds start, end (inclusive) and type files.
type Sysfs struct {
	// Root replaces /sys, for tests.
	Root string
	// Name overrides the DMI product name.
	Name string

	layout *Layout
}

// NewSysfs returns a reader rooted at root, or DefaultSysfsRoot when root
// is empty.
func NewSysfs(root string) *Sysfs {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &Sysfs{Root: root}
}

var sysfsTypes = map[string]bootargs.MemoryType{
	"System RAM":                bootargs.MemoryUsable,
	"ACPI Tables":               bootargs.MemoryACPI,
	"ACPI Non-volatile Storage": bootargs.MemoryNVS,
}

// MemoryMap returns the ranges sorted by base address. Types other than
// RAM and the ACPI kinds are reported as reserved.
func (s *Sysfs) MemoryMap() (Layout, error) {
	if s.layout != nil {
		return *s.layout, nil
	}

	dir := filepath.Join(s.Root, "firmware", "memmap")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %v", ErrNoMemoryMap, err)
	}

	var ranges []bootargs.MemoryRange
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		r, err := readSysfsRange(filepath.Join(dir, ent.Name()))
		if err != nil {
			return Layout{}, err
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return Layout{}, ErrNoMemoryMap
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Base < ranges[j].Base })

	conv, ext := legacySizes(ranges)
	s.layout = &Layout{Ranges: ranges, ConventionalKiB: conv, ExtendedKiB: ext}
	slog.Debug("read firmware memory map", "root", s.Root, "ranges", len(ranges))
	return *s.layout, nil
}

func readSysfsRange(dir string) (bootargs.MemoryRange, error) {
	start, err := readHex(filepath.Join(dir, "start"))
	if err != nil {
		return bootargs.MemoryRange{}, err
	}
	end, err := readHex(filepath.Join(dir, "end"))
	if err != nil {
		return bootargs.MemoryRange{}, err
	}
	if end < start {
		return bootargs.MemoryRange{}, fmt.Errorf("%s: end %#x before start %#x", dir, end, start)
	}
	typ, err := os.ReadFile(filepath.Join(dir, "type"))
	if err != nil {
		return bootargs.MemoryRange{}, fmt.Errorf("failed to read memmap type: %w", err)
	}

	kind, ok := sysfsTypes[strings.TrimSpace(string(typ))]
	if !ok {
		kind = bootargs.MemoryReserved
	}
	return bootargs.MemoryRange{Type: kind, Base: start, Length: end - start + 1}, nil
}

func readHex(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}

// ConventionalMemorySize returns KiB of usable memory below 640KiB, or 0
// when the memory map cannot be read.
func (s *Sysfs) ConventionalMemorySize() uint64 {
	l, err := s.MemoryMap()
	if err != nil {
		return 0
	}
	return l.ConventionalKiB
}

// ExtendedMemorySize returns KiB of contiguous usable memory from 1MiB.
func (s *Sysfs) ExtendedMemorySize() uint64 {
	l, err := s.MemoryMap()
	if err != nil {
		return 0
	}
	return l.ExtendedKiB
}

// PlatformName returns the DMI product name, or ACPI when none is exposed.
func (s *Sysfs) PlatformName() string {
	if s.Name != "" {
		return s.Name
	}
	data, err := os.ReadFile(filepath.Join(s.Root, "class", "dmi", "id", "product_name"))
	if err != nil {
		return "ACPI"
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "ACPI"
	}
	return name
}
