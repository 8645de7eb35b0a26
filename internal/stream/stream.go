// Package stream generates the pseudo-random key pairs fed to the coordinator.
package stream

import (
	"math/rand/v2"
)

// DefaultSeed makes runs reproducible when no seed is configured
const DefaultSeed uint64 = 117

// Generator yields a fixed number of key pairs drawn uniformly from [0, nkeys).
// Not thread-safe.
type Generator struct {
	rng       *rand.Rand
	nkeys     int64
	remaining int64
}

// New creates a generator of length pairs over nkeys keys.
// The same seed always yields the same stream.
func New(nkeys, length int64, seed uint64) *Generator {
	if length < 0 {
		length = 0
	}
	return &Generator{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		nkeys:     nkeys,
		remaining: length,
	}
}

// Next returns the next pair, normalized so the keys differ.
// ok is false once length pairs have been produced.
func (g *Generator) Next() (key1, key2 int64, ok bool) {
	if g.remaining <= 0 || g.nkeys <= 0 {
		return 0, 0, false
	}
	g.remaining--

	key1 = g.rng.Int64N(g.nkeys)
	key2 = g.rng.Int64N(g.nkeys)
	key1, key2 = Normalize(key1, key2, g.nkeys)
	return key1, key2, true
}

// Remaining returns how many pairs are left
func (g *Generator) Remaining() int64 {
	return g.remaining
}

// Normalize moves key1 to the next key (mod nkeys) when both keys are equal.
// With a single key the pair cannot be made distinct and is returned as is.
func Normalize(key1, key2, nkeys int64) (int64, int64) {
	if key1 == key2 && nkeys > 1 {
		key1 = (key1 + 1) % nkeys
	}
	return key1, key2
}

// Slice replays a fixed list of pairs. Useful for scripted runs.
type Slice struct {
	pairs [][2]int64
	pos   int
}

// FromPairs creates a source over the given pairs, unmodified
func FromPairs(pairs ...[2]int64) *Slice {
	return &Slice{pairs: pairs}
}

// Next returns the next pair of the slice
func (s *Slice) Next() (int64, int64, bool) {
	if s.pos >= len(s.pairs) {
		return 0, 0, false
	}
	p := s.pairs[s.pos]
	s.pos++
	return p[0], p[1], true
}
