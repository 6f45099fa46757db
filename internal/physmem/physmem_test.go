package physmem

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWindowContains(t *testing.T) {
	w := Window{Name: "kernel", Base: 0x100000, Len: 0x1000}
	tests := []struct {
		addr, size uint64
		want       bool
	}{
		{0x100000, 0x1000, true},
		{0x100000, 0, true},
		{0x100fff, 1, true},
		{0x100fff, 2, false},
		{0xfffff, 1, false},
		{0x101000, 0, true},
		{0x101000, 1, false},
		{math.MaxUint64, 2, false},
	}
	for _, tt := range tests {
		if got := w.Contains(tt.addr, tt.size); got != tt.want {
			t.Errorf("Contains(%#x, %#x) = %v, want %v", tt.addr, tt.size, got, tt.want)
		}
	}
}

func TestSparseReadWriteAcrossPages(t *testing.T) {
	mem := NewSparse(1 << 20)
	data := bytes.Repeat([]byte{0xab}, pageSize+100)
	if _, err := mem.WriteAt(data, pageSize-50); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if mem.Pages() != 3 {
		t.Fatalf("Pages = %d, want 3", mem.Pages())
	}

	got := make([]byte, len(data)+100)
	if _, err := mem.ReadAt(got, pageSize-100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range got {
		want := byte(0)
		if i >= 50 && i < 50+len(data) {
			want = 0xab
		}
		if b != want {
			t.Fatalf("byte %d = %#x, want %#x", i, b, want)
		}
	}
}

func TestSparseRejectsOutOfRange(t *testing.T) {
	mem := NewSparse(0x1000)
	if _, err := mem.WriteAt([]byte{1, 2}, 0xfff); err == nil {
		t.Fatalf("WriteAt past end succeeded")
	}
	if _, err := mem.ReadAt(make([]byte, 1), -1); err == nil {
		t.Fatalf("ReadAt negative offset succeeded")
	}
	if mem.Pages() != 0 {
		t.Fatalf("rejected write materialised %d pages", mem.Pages())
	}
}

func TestWindowsScopeWrites(t *testing.T) {
	mem := NewSparse(1 << 24)
	w := NewWindows(mem,
		Window{Name: "hib", Base: 0x4000, Len: 0x4000},
		Window{Name: "kernel", Base: 0x100000, Len: 0x10000},
	)

	if err := w.WriteAt(0x100010, []byte("hello")); err != nil {
		t.Fatalf("WriteAt inside kernel window: %v", err)
	}
	if err := w.WriteAt(0x7ffe, []byte("abc")); !errors.Is(err, ErrOutsideWindows) {
		t.Fatalf("WriteAt straddling hib end err = %v, want ErrOutsideWindows", err)
	}
	// A range spanning both windows is not inside either one.
	if err := w.Check(0x4000, 0x100000); !errors.Is(err, ErrOutsideWindows) {
		t.Fatalf("Check spanning windows err = %v, want ErrOutsideWindows", err)
	}

	got := make([]byte, 5)
	if err := w.ReadAt(0x100010, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadAt = %q, want %q", got, "hello")
	}

	win, ok := w.Find(0x5000, 0x10)
	if !ok || win.Name != "hib" {
		t.Fatalf("Find = %v, %v; want hib window", win, ok)
	}
}

func TestWindowsZeroAt(t *testing.T) {
	mem := NewSparse(1 << 24)
	w := NewWindows(mem, Window{Name: "kernel", Base: 0x100000, Len: 0x100000})

	fill := bytes.Repeat([]byte{0xff}, 3*zeroChunk)
	if err := w.WriteAt(0x100000, fill); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := w.ZeroAt(0x100001, 2*zeroChunk+5); err != nil {
		t.Fatalf("ZeroAt: %v", err)
	}

	got := make([]byte, len(fill))
	if err := w.ReadAt(0x100000, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range got {
		want := byte(0xff)
		if i >= 1 && i < 1+2*zeroChunk+5 {
			want = 0
		}
		if b != want {
			t.Fatalf("byte %d = %#x, want %#x", i, b, want)
		}
	}
}

func TestMapFile(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "plan9" || runtime.GOOS == "js" {
		t.Skip("mapped ram files need unix mmap")
	}
	path := filepath.Join(t.TempDir(), "ram.bin")
	m, err := MapFile(path, 1<<20)
	if err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	if _, err := m.WriteAt([]byte("kernel"), 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := m.WriteAt([]byte("x"), 1<<20); err == nil {
		t.Fatalf("WriteAt past mapping succeeded")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := MapFile(path+".2", 0x2000)
	if err != nil {
		t.Fatalf("MapFile second: %v", err)
	}
	defer m2.Close()
	got := make([]byte, 4)
	if _, err := m2.ReadAt(got, 0x1ffc); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("fresh mapping not zero: %v", got)
	}
}
