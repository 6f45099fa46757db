// Package config loads the platform profile that drives a boot: address
// windows, the firmware memory map, decoder mode and boot parameters.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/blacktop/go-macho/types"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/machboot/internal/bootargs"
)

// Classic platform layout.
const (
	KernelAddr      = 0x00100000
	KernelLen       = 0x08000000
	HibernationAddr = 0x00004000
	HibernationLen  = 0x00004000

	DefaultPageShift    = 12
	DefaultFSBFrequency = 266 * 1000 * 1000
	DefaultRAMSize      = 0x10000000
	DefaultPlatformName = "ACPI"
)

// Profile is the root of a platform profile file.
type Profile struct {
	Platform Platform `yaml:"platform"`
	Windows  Windows  `yaml:"windows"`
	Memory   Memory   `yaml:"memory"`
	Decoder  Decoder  `yaml:"decoder"`
	Boot     Boot     `yaml:"boot"`
	LogLevel string   `yaml:"log_level"` // debug, info, warn, error
}

// Platform identifies the machine being booted.
type Platform struct {
	Name         string `yaml:"name"`
	Arch         string `yaml:"arch"` // i386 or x86_64
	FSBFrequency uint64 `yaml:"fsb_frequency"`
}

// Window is a physical address range.
type Window struct {
	Base   Address `yaml:"base"`
	Length Address `yaml:"length"`
}

// Windows are the two places segments may be placed.
type Windows struct {
	Kernel      Window `yaml:"kernel"`
	Hibernation Window `yaml:"hibernation"`
}

// Memory describes physical memory as firmware would report it.
type Memory struct {
	Size            Address       `yaml:"size"` // backing RAM size
	Map             []MemoryRange `yaml:"map"`
	ConventionalKiB uint64        `yaml:"conventional_kib"`
	ExtendedKiB     uint64        `yaml:"extended_kib"`
	PageShift       uint          `yaml:"page_shift"`
}

// MemoryRange is one firmware memory map entry.
type MemoryRange struct {
	Type   MemoryType `yaml:"type"`
	Base   Address    `yaml:"base"`
	Length Address    `yaml:"length"`
}

// Decoder selects image decoding behaviour.
type Decoder struct {
	Strict bool `yaml:"strict"`
}

// Boot holds values passed to the kernel.
type Boot struct {
	Device      int    `yaml:"device"`
	CommandLine string `yaml:"command_line"`
}

// Address is a physical address or size. YAML may give it as an integer or
// as a string in any base strconv accepts, such as "0x100000".
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if s == "" {
		return nil
	}
	parsed, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*a = Address(parsed)
	return nil
}

// MemoryType is a memory range kind given by name in YAML.
type MemoryType bootargs.MemoryType

// UnmarshalYAML implements yaml.Unmarshaler for MemoryType.
func (t *MemoryType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := bootargs.ParseMemoryType(s)
	if err != nil {
		return err
	}
	*t = MemoryType(parsed)
	return nil
}

// Default returns the classic BIOS layout: a low usable region, the legacy
// hole and usable memory above 1MiB up to the RAM size.
func Default() *Profile {
	return &Profile{
		Platform: Platform{
			Name:         DefaultPlatformName,
			Arch:         "i386",
			FSBFrequency: DefaultFSBFrequency,
		},
		Windows: Windows{
			Kernel:      Window{Base: KernelAddr, Length: KernelLen},
			Hibernation: Window{Base: HibernationAddr, Length: HibernationLen},
		},
		Memory: Memory{
			Size: DefaultRAMSize,
			Map: []MemoryRange{
				{Type: MemoryType(bootargs.MemoryUsable), Base: 0, Length: 0x9f000},
				{Type: MemoryType(bootargs.MemoryReserved), Base: 0x9f000, Length: 0x61000},
				{Type: MemoryType(bootargs.MemoryUsable), Base: 0x100000, Length: DefaultRAMSize - 0x100000},
			},
			ConventionalKiB: 0x9f000 >> 10,
			ExtendedKiB:     (DefaultRAMSize - 0x100000) >> 10,
			PageShift:       DefaultPageShift,
		},
		Boot: Boot{Device: 0x80},
	}
}

// Load reads a profile from path. Fields missing from the file keep their
// Default values.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a profile from YAML.
func Parse(data []byte) (*Profile, error) {
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the profile for values the loader cannot work with.
func (p *Profile) Validate() error {
	if p.Platform.Name == "" {
		return errors.New("platform name is empty")
	}
	if _, err := p.CPU(); err != nil {
		return err
	}
	if p.Windows.Kernel.Length == 0 {
		return errors.New("kernel window is empty")
	}
	k, h := p.Windows.Kernel, p.Windows.Hibernation
	if h.Length != 0 && uint64(h.Base) < uint64(k.Base+k.Length) && uint64(k.Base) < uint64(h.Base+h.Length) {
		return errors.New("kernel and hibernation windows overlap")
	}
	if uint64(k.Base+k.Length) > uint64(p.Memory.Size) {
		return fmt.Errorf("kernel window ends at %#x, past RAM size %#x", uint64(k.Base+k.Length), uint64(p.Memory.Size))
	}
	if p.Memory.PageShift == 0 || p.Memory.PageShift > 30 {
		return fmt.Errorf("page shift %d out of range", p.Memory.PageShift)
	}
	for i, r := range p.Memory.Map {
		if r.Length == 0 {
			return fmt.Errorf("memory range %d is empty", i)
		}
	}
	switch strings.ToLower(p.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", p.LogLevel)
	}
	return nil
}

// CPU returns the Mach-O CPU type for the platform architecture.
func (p *Profile) CPU() (types.CPU, error) {
	switch strings.ToLower(p.Platform.Arch) {
	case "i386", "x86", "386":
		return types.CPUI386, nil
	case "x86_64", "amd64":
		return types.CPUAmd64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture %q", p.Platform.Arch)
	}
}

// MemoryRanges converts the configured map for the boot context.
func (p *Profile) MemoryRanges() []bootargs.MemoryRange {
	out := make([]bootargs.MemoryRange, 0, len(p.Memory.Map))
	for _, r := range p.Memory.Map {
		out = append(out, bootargs.MemoryRange{
			Type:   bootargs.MemoryType(r.Type),
			Base:   uint64(r.Base),
			Length: uint64(r.Length),
		})
	}
	return out
}
