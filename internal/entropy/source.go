package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"golang.org/x/sys/cpu"
)

// HardwareRNG is a CPU random number instruction. Rand32 reports false when
// the hardware had no value ready; callers retry.
type HardwareRNG interface {
	Available() bool
	Rand32() (uint32, bool)
}

// Clock is a free running time-stamp counter.
type Clock interface {
	TimeStamp() uint64
}

// Method records which path produced a seed.
type Method int

const (
	MethodHardware Method = iota
	MethodTimeStamp
)

func (m Method) String() string {
	switch m {
	case MethodHardware:
		return "hardware"
	case MethodTimeStamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Fill writes len(dst) bytes of seed material. The hardware path is used when
// hw is non-nil and available; it busy-waits until each draw succeeds.
// Otherwise a Generator is seeded from the time-stamp counter.
func Fill(dst []byte, hw HardwareRNG, clk Clock) Method {
	method := MethodHardware
	var next func() uint32

	if hw != nil && hw.Available() {
		next = func() uint32 {
			for {
				if v, ok := hw.Rand32(); ok {
					return v
				}
			}
		}
	} else {
		method = MethodTimeStamp
		var ts uint64
		if clk != nil {
			ts = clk.TimeStamp()
		}
		g := NewGenerator()
		g.Seed(uint32(ts>>32) ^ uint32(ts))
		next = g.Uint32
	}

	var word [4]byte
	for off := 0; off < len(dst); off += 4 {
		binary.LittleEndian.PutUint32(word[:], next())
		copy(dst[off:], word[:])
	}
	return method
}

// HostRDRAND stands in for the RDRAND instruction on a hosted build. It is
// available when the CPU advertises RDRAND; values come from the operating
// system generator, which is fed by the same instruction.
type HostRDRAND struct{}

func (HostRDRAND) Available() bool { return cpu.X86.HasRDRAND }

func (HostRDRAND) Rand32() (uint32, bool) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[:]), true
}

// HostClock reads wall-clock nanoseconds as a time-stamp counter.
type HostClock struct{}

func (HostClock) TimeStamp() uint64 { return uint64(time.Now().UnixNano()) }

var (
	_ HardwareRNG = HostRDRAND{}
	_ Clock       = HostClock{}
)
