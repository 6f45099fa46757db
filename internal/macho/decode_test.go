package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/go-macho/types"

	"github.com/tinyrange/machboot/internal/fatal"
	"github.com/tinyrange/machboot/internal/macho/machotest"
	"github.com/tinyrange/machboot/internal/physmem"
)

const (
	kernelAddr = 0x00100000
	kernelLen  = 0x08000000
	hibAddr    = 0x00004000
	hibLen     = 0x00004000
)

type write struct {
	off int64
	n   int
}

// recordingMemory logs every write that reaches physical memory.
type recordingMemory struct {
	physmem.Memory
	writes []write
}

func (r *recordingMemory) WriteAt(p []byte, off int64) (int, error) {
	r.writes = append(r.writes, write{off: off, n: len(p)})
	return r.Memory.WriteAt(p, off)
}

func newTestMemory() (*recordingMemory, *physmem.Windows) {
	mem := &recordingMemory{Memory: physmem.NewSparse(kernelAddr + kernelLen)}
	return mem, physmem.NewWindows(mem,
		physmem.Window{Name: "kernel", Base: kernelAddr, Len: kernelLen},
		physmem.Window{Name: "hibernation", Base: hibAddr, Len: hibLen},
	)
}

func fill(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

func readPhys(t *testing.T, w *physmem.Windows, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if err := w.ReadAt(addr, buf); err != nil {
		t.Fatalf("ReadAt(%#x): %v", addr, err)
	}
	return buf
}

func TestDecode64BitKernel(t *testing.T) {
	img := machotest.New64().
		Segment(machotest.Segment{Name: "__TEXT", Addr: kernelAddr, MemSize: 0x2000, Data: fill(0xaa, 0x1000)}).
		Thread(kernelAddr + 0x10).
		Bytes()

	_, mem := newTestMemory()
	// Stale contents the tail fill must clear.
	if err := mem.WriteAt(kernelAddr, fill(0xff, 0x2000)); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	res, err := Decode(img, mem, Options{CPU: types.CPUAmd64})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Entry != kernelAddr+0x10 {
		t.Fatalf("Entry = %#x, want %#x", res.Entry, kernelAddr+0x10)
	}
	if res.Addr != kernelAddr || res.Size != 0x2000 {
		t.Fatalf("span = [%#x, +%#x), want [%#x, +0x2000)", res.Addr, res.Size, kernelAddr)
	}
	if !res.Is64 || res.HaveKernelCache {
		t.Fatalf("Is64=%v HaveKernelCache=%v", res.Is64, res.HaveKernelCache)
	}
	if got := readPhys(t, mem, kernelAddr, 0x1000); !bytes.Equal(got, fill(0xaa, 0x1000)) {
		t.Fatalf("segment contents not copied")
	}
	if got := readPhys(t, mem, kernelAddr+0x1000, 0x1000); !bytes.Equal(got, make([]byte, 0x1000)) {
		t.Fatalf("segment tail not zeroed")
	}
}

func TestDecode32BitMasksAddresses(t *testing.T) {
	img := machotest.New32().
		Segment(machotest.Segment{Name: "__TEXT", Addr: 0xc0100000, MemSize: 0x1000, Data: fill(0x11, 0x800)}).
		Segment(machotest.Segment{Name: "__DATA", Addr: 0x00103000, MemSize: 0x1000, Data: fill(0x22, 0x1000)}).
		Thread(0xc0100020).
		Bytes()

	_, mem := newTestMemory()
	res, err := Decode(img, mem, Options{CPU: types.CPUI386, Strict: true})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Entry != 0x00100020 {
		t.Fatalf("Entry = %#x, want 0x100020", res.Entry)
	}
	if res.Addr != 0x100000 || res.Size != 0x4000 {
		t.Fatalf("span = [%#x, +%#x), want [0x100000, +0x4000)", res.Addr, res.Size)
	}
	if len(res.Segments) != 2 || res.Segments[0].Addr != 0x100000 || res.Segments[0].Name != "__TEXT" {
		t.Fatalf("Segments = %+v", res.Segments)
	}
	if got := readPhys(t, mem, 0x103000, 4); !bytes.Equal(got, fill(0x22, 4)) {
		t.Fatalf("__DATA not placed at its masked address")
	}
}

func TestDecodeZeroFileSizeSegment(t *testing.T) {
	img := machotest.New32().
		Segment(machotest.Segment{Name: "__PAGEZERO", Addr: kernelAddr, MemSize: 0x1000}).
		Bytes()

	rec, mem := newTestMemory()
	res, err := Decode(img, mem, Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rec.writes) != 0 {
		t.Fatalf("zero filesize segment wrote memory: %+v", rec.writes)
	}
	p := res.Segments[0]
	if p.Addr != UnloadedAddr || p.Size != 0 || p.Loaded() {
		t.Fatalf("placement = %+v, want the unloaded sentinel", p)
	}
	if res.Addr != 0 || res.Size != 0 {
		t.Fatalf("span = [%#x, +%#x), want empty", res.Addr, res.Size)
	}
}

func TestDecodeOutOfWindowIsFatalBeforeWrite(t *testing.T) {
	for _, tc := range []struct {
		name string
		addr uint64
		size uint64
	}{
		{"past kernel window", kernelAddr + kernelLen - 0x1000, 0x2000},
		{"between windows", 0x9000, 0x1000},
		{"below hibernation", 0x1000, 0x1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := machotest.New32().
				Segment(machotest.Segment{Name: "__TEXT", Addr: tc.addr, MemSize: tc.size, Data: fill(0x33, 0x100)}).
				Bytes()

			rec, mem := newTestMemory()
			_, err := Decode(img, mem, Options{})
			if !fatal.Is(err) {
				t.Fatalf("err = %v, want fatal", err)
			}
			if !errors.Is(err, physmem.ErrOutsideWindows) {
				t.Fatalf("err = %v, want ErrOutsideWindows in chain", err)
			}
			var fe *fatal.Error
			if errors.As(err, &fe) && fe.Reason != OverflowReason {
				t.Fatalf("reason = %q", fe.Reason)
			}
			if len(rec.writes) != 0 {
				t.Fatalf("memory written before failure: %+v", rec.writes)
			}
		})
	}
}

func TestDecodeHibernationSegmentExcludedFromSpan(t *testing.T) {
	// Segments in the hibernation window are placed but do not widen the
	// reported kernel span.
	img := machotest.New32().
		Segment(machotest.Segment{Name: "__HIB", Addr: hibAddr, MemSize: 0x2000, Data: fill(0x44, 0x1000)}).
		Segment(machotest.Segment{Name: "__TEXT", Addr: kernelAddr + 0x1000, MemSize: 0x3000, Data: fill(0x55, 0x3000)}).
		Bytes()

	_, mem := newTestMemory()
	res, err := Decode(img, mem, Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Addr != kernelAddr+0x1000 || res.Size != 0x3000 {
		t.Fatalf("span = [%#x, +%#x), want [%#x, +0x3000)", res.Addr, res.Size, kernelAddr+0x1000)
	}
	if got := readPhys(t, mem, hibAddr, 0x1000); !bytes.Equal(got, fill(0x44, 0x1000)) {
		t.Fatalf("hibernation segment not placed")
	}
}

func TestDecodePrelinkAndEmpty64BitSegments(t *testing.T) {
	img := machotest.New64().
		Segment(machotest.Segment{Name: "__TEXT", Addr: kernelAddr, MemSize: 0x1000, Data: fill(0x66, 0x1000)}).
		Segment(machotest.Segment{Name: "__KLD", Addr: kernelAddr + 0x1000, MemSize: 0, Data: fill(0x77, 0x10)}).
		Segment(machotest.Segment{Name: PrelinkSegment, Addr: kernelAddr + 0x10000, MemSize: 0x1000, Data: fill(0x88, 0x10)}).
		Bytes()

	_, mem := newTestMemory()
	res, err := Decode(img, mem, Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !res.HaveKernelCache {
		t.Fatalf("HaveKernelCache not set by %s", PrelinkSegment)
	}
	if got := readPhys(t, mem, kernelAddr+0x1000, 0x10); !bytes.Equal(got, make([]byte, 0x10)) {
		t.Fatalf("zero vmsize 64-bit segment was copied")
	}
	if res.Addr != kernelAddr || res.Size != 0x11000 {
		t.Fatalf("span = [%#x, +%#x), want [%#x, +0x11000)", res.Addr, res.Size, kernelAddr)
	}
}

func TestDecodeEmptyPrelinkDoesNotSetCache(t *testing.T) {
	img := machotest.New32().
		Segment(machotest.Segment{Name: PrelinkSegment, Addr: kernelAddr, MemSize: 0, Data: fill(1, 0x10)}).
		Bytes()
	_, mem := newTestMemory()
	res, err := Decode(img, mem, Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.HaveKernelCache {
		t.Fatalf("empty %s set HaveKernelCache", PrelinkSegment)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	_, mem := newTestMemory()
	for _, img := range [][]byte{nil, {0x7f, 'E', 'L', 'F', 0, 0, 0, 0}, machotest.Fat(binary.BigEndian)} {
		if _, err := Decode(img, mem, Options{}); !errors.Is(err, ErrBadMagic) {
			t.Errorf("Decode(% x) err = %v, want ErrBadMagic", img[:min(len(img), 4)], err)
		}
	}
}

// zeroFirstCommandSize rewrites the cmdsize of the first load command.
func zeroFirstCommandSize(img []byte, headerSize int) {
	binary.LittleEndian.PutUint32(img[headerSize+4:], 0)
}

func TestDecodeTrustsLengthsByDefault(t *testing.T) {
	img := machotest.New32().
		Command(types.LC_UUID, make([]byte, 16)).
		Thread(kernelAddr + 0x40).
		Bytes()
	zeroFirstCommandSize(img, types.FileHeaderSize32)

	_, mem := newTestMemory()
	res, err := Decode(img, mem, Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// The zero length re-reads the first command instead of reaching the
	// thread state.
	if res.Entry != 0 {
		t.Fatalf("Entry = %#x, want 0 from a desynchronised walk", res.Entry)
	}

	if _, err := Decode(img, mem, Options{Strict: true}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("strict err = %v, want ErrMalformed", err)
	}
}

func TestDecodeStrictRejects(t *testing.T) {
	overlong := machotest.New32().
		Segment(machotest.Segment{Name: "__TEXT", Addr: kernelAddr, MemSize: 0x10, Data: fill(1, 0x20)}).
		Bytes()

	pastEnd := machotest.New32().
		Segment(machotest.Segment{Name: "__TEXT", Addr: kernelAddr, MemSize: 0x1000, OverrideFileSize: true, FileSize: 0x1000, Data: fill(1, 0x10)}).
		Bytes()

	overrun := machotest.New32().Thread(kernelAddr).Bytes()
	binary.LittleEndian.PutUint32(overrun[20:], 16) // sizeofcmds

	for name, img := range map[string][]byte{
		"filesize over vmsize":  overlong,
		"file range past image": pastEnd,
		"command overruns area": overrun,
	} {
		_, mem := newTestMemory()
		if _, err := Decode(img, mem, Options{Strict: true}); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}

	_, mem := newTestMemory()
	if _, err := Decode(pastEnd, mem, Options{}); !errors.Is(err, ErrTruncated) {
		t.Errorf("default mode file range past image: err = %v, want ErrTruncated", err)
	}
}

func TestDecodeTruncatedCommands(t *testing.T) {
	img := machotest.New64().Thread(kernelAddr).Bytes()
	_, mem := newTestMemory()
	for _, n := range []int{types.FileHeaderSize64 + 4, types.FileHeaderSize64 + 100} {
		if _, err := Decode(img[:n], mem, Options{}); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode(%d bytes) err = %v, want ErrTruncated", n, err)
		}
	}
}

func TestDecodeSkipsUnknownCommands(t *testing.T) {
	img := machotest.New32().
		Command(types.LC_SYMTAB, make([]byte, 16)).
		Segment(machotest.Segment{Name: "__TEXT", Addr: kernelAddr, MemSize: 0x1000, Data: fill(9, 0x1000)}).
		Command(types.LC_UUID, make([]byte, 16)).
		Thread(kernelAddr + 4).
		Bytes()

	_, mem := newTestMemory()
	res, err := Decode(img, mem, Options{Strict: true})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Entry != kernelAddr+4 || res.Size != 0x1000 {
		t.Fatalf("Entry=%#x Size=%#x", res.Entry, res.Size)
	}
}
