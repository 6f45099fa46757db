// Package entropy supplies the early random seed handed to the kernel.
//
// The generator is the classic BSD additive feedback generator (x**31 + x**3 + 1).
// It is deterministic and only used when the CPU has no hardware random
// number instruction.
package entropy

const (
	degree     = 31
	separation = 3

	// Draws discarded after seeding so the state is mixed before use.
	mixRounds = 10 * degree

	// Substituted for a zero seed, which would otherwise stay zero.
	zeroSeed = 123459876
)

var defaultTable = [degree]uint32{
	0x991539b1, 0x16a5bce3, 0x6774a4cd, 0x3e01511e, 0x4e508aaa, 0x61048c05,
	0xf5500617, 0x846b7115, 0x6a19892c, 0x896a97af, 0xdb48f936, 0x14898454,
	0x37ffd106, 0xb58bff9c, 0x59e17104, 0xcf918a49, 0x09378c83, 0x52c7a471,
	0x8d293ea9, 0x1f4fc301, 0xc3db71be, 0x39b44e1c, 0xf8a44ef9, 0x4c8b80b1,
	0x19edc328, 0x87bf4bdd, 0xc9b240e5, 0xe9ee4b1b, 0x4382aee7, 0x535b6b41,
	0xf3bec5da,
}

// Generator is an additive feedback pseudo-random generator.
// The zero value is not usable; call NewGenerator.
type Generator struct {
	state [degree]uint32
	fptr  int
	rptr  int
}

// NewGenerator returns a generator in the unseeded default state.
func NewGenerator() *Generator {
	return &Generator{
		state: defaultTable,
		fptr:  separation,
		rptr:  0,
	}
}

// Seed reinitialises the state from seed. Seeding twice with the same value
// yields the same sequence.
func (g *Generator) Seed(seed uint32) {
	g.state[0] = seed
	for i := 1; i < degree; i++ {
		g.state[i] = goodRand(int32(g.state[i-1]))
	}
	g.fptr = separation
	g.rptr = 0
	for i := 0; i < mixRounds; i++ {
		g.Uint32()
	}
}

// Uint32 returns the next value in [0, 2**31).
func (g *Generator) Uint32() uint32 {
	g.state[g.fptr] += g.state[g.rptr]
	v := (g.state[g.fptr] >> 1) & 0x7fffffff

	g.fptr++
	if g.fptr >= degree {
		g.fptr = 0
		g.rptr++
	} else {
		g.rptr++
		if g.rptr >= degree {
			g.rptr = 0
		}
	}
	return v
}

// goodRand is the Park-Miller minimal standard step computed with Schrage's
// method so it never overflows 31 bits.
func goodRand(x int32) uint32 {
	if x == 0 {
		x = zeroSeed
	}
	hi := x / 127773
	lo := x % 127773
	x = 16807*lo - 2836*hi
	if x < 0 {
		x += 0x7fffffff
	}
	return uint32(x)
}
