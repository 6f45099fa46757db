// Command machboot places a Mach-O kernel into a physical memory image and
// builds its hand-off context, then reports where control would transfer.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/machboot/internal/bootctx"
	"github.com/tinyrange/machboot/internal/config"
	"github.com/tinyrange/machboot/internal/devicetree"
	"github.com/tinyrange/machboot/internal/entropy"
	"github.com/tinyrange/machboot/internal/fatal"
	"github.com/tinyrange/machboot/internal/fdt"
	"github.com/tinyrange/machboot/internal/firmware"
	"github.com/tinyrange/machboot/internal/loader"
	"github.com/tinyrange/machboot/internal/physmem"
)

// exitHalt is the status used when the boot hits an unrecoverable error.
const exitHalt = 2

func main() {
	if err := run(); err != nil {
		if fatal.Is(err) {
			slog.Error("halting", "error", err)
			os.Exit(exitHalt)
		}
		fmt.Fprintf(os.Stderr, "machboot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "platform profile (YAML); defaults to the classic layout")
	imagePath := flag.String("image", "", "kernel image, Mach-O or fat archive")
	ramPath := flag.String("ram", "", "back physical memory with this file instead of an in-memory map")
	dtbPath := flag.String("dtb", "", "write the device tree as a standard DTB to this file")
	dump := flag.Bool("dump", false, "print the device tree handed to the kernel")
	useSysfs := flag.Bool("sysfs", false, "take the memory map from the host /sys/firmware/memmap")
	strict := flag.Bool("strict", false, "validate every load command length")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `machboot - load a Mach-O kernel and build its boot context

USAGE:
  machboot -image <kernel> [flags]

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *imagePath == "" {
		if flag.NArg() != 1 {
			flag.Usage()
			os.Exit(1)
		}
		*imagePath = flag.Arg(0)
	}

	profile := config.Default()
	if *configPath != "" {
		var err error
		profile, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *strict {
		profile.Decoder.Strict = true
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	} else if profile.LogLevel != "" {
		if err := level.UnmarshalText([]byte(profile.LogLevel)); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var fw bootctx.Firmware = firmware.FromProfile(profile)
	if *useSysfs {
		fw = firmware.NewSysfs(firmware.DefaultSysfsRoot)
	}

	var mem physmem.Memory
	if *ramPath != "" {
		mapped, err := physmem.MapFile(*ramPath, uint64(profile.Memory.Size))
		if err != nil {
			return fmt.Errorf("map RAM file: %w", err)
		}
		defer mapped.Close()
		mem = mapped
	} else {
		mem = physmem.NewSparse(uint64(profile.Memory.Size))
	}

	image, err := readImage(*imagePath)
	if err != nil {
		return err
	}

	l := &loader.Loader{
		Profile:     profile,
		Firmware:    fw,
		Memory:      mem,
		HardwareRNG: entropy.HostRDRAND{},
		Clock:       entropy.HostClock{},
	}
	h, err := l.Boot(image)
	if err != nil {
		return err
	}

	fmt.Printf("entry       %#x\n", h.Entry)
	fmt.Printf("boot args   %#x\n", h.BootArgs)
	fmt.Printf("kernel      [%#x, %#x)\n", h.KernelAddr, h.KernelAddr+h.KernelSize)
	fmt.Printf("cpu         %v (fat: %v)\n", h.CPU, h.Fat)
	fmt.Printf("kernelcache %v\n", h.HaveKernelCache)
	fmt.Printf("seed        %s\n", h.Context.SeedMethod())
	for _, seg := range h.Segments {
		if !seg.Loaded() {
			fmt.Printf("  %-16s unloaded\n", seg.Name)
			continue
		}
		fmt.Printf("  %-16s [%#x, %#x) file %#x\n", seg.Name, seg.Addr, seg.Addr+seg.Size, seg.FileSize)
	}

	if *dtbPath != "" {
		blob, err := fdt.Build(h.Context.Tree())
		if err != nil {
			return fmt.Errorf("build DTB: %w", err)
		}
		if err := os.WriteFile(*dtbPath, blob, 0o644); err != nil {
			return fmt.Errorf("write DTB: %w", err)
		}
		slog.Info("wrote device tree", "path", *dtbPath, "bytes", len(blob))
	}

	if *dump {
		width := 0
		if term.IsTerminal(int(os.Stdout.Fd())) {
			if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				width = w
			}
		}
		return dumpTree(os.Stdout, h.Context.Tree(), width)
	}
	return nil
}

// readImage loads the kernel image, showing progress on a terminal.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}

	var r io.Reader = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(info.Size(), "read "+path)
		defer bar.Close()
		r = io.TeeReader(f, bar)
	}

	image := make([]byte, 0, info.Size())
	buf := make([]byte, 1<<20)
	for {
		n, err := r.Read(buf)
		image = append(image, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
	}
	return image, nil
}

// dumpTree prints one line per node and property. Lines are cut to width
// when width is positive.
func dumpTree(w io.Writer, tree *devicetree.Tree, width int) error {
	return tree.Walk(func(n *devicetree.Node) error {
		depth := strings.Count(n.Path(), "/")
		if n.Parent() == nil {
			depth = 0
		}
		indent := strings.Repeat("  ", depth)
		if err := writeLine(w, indent+n.Path(), width); err != nil {
			return err
		}
		for _, p := range n.Properties() {
			if p.Name == devicetree.NameProperty {
				continue
			}
			line := fmt.Sprintf("%s  %s = %s", indent, p.Name, formatValue(p.Value))
			if err := writeLine(w, line, width); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeLine(w io.Writer, line string, width int) error {
	if width > 0 {
		line = ansi.Truncate(line, width, "…")
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

// formatValue shows NUL terminated text as a string and anything else as
// hex.
func formatValue(v []byte) string {
	if len(v) > 1 && v[len(v)-1] == 0 {
		text := v[:len(v)-1]
		printable := true
		for _, c := range text {
			if c < 0x20 || c > 0x7e {
				printable = false
				break
			}
		}
		if printable {
			return fmt.Sprintf("%q", text)
		}
	}
	return "<" + hex.EncodeToString(v) + ">"
}
