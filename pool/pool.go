// Package pool models the one axis along which Sapling and Orchard
// differ for sync purposes: curve, hash, and nullifier derivation
// (spec.md §9 "Polymorphism over shielded pools"). Everything else in
// the pipeline -- chunking, the frontier algebra, witness extension,
// spend detection -- is generic over the Surface interface defined
// here.
package pool

import (
	"github.com/zcash/warpsync/internal/blake2b"
)

// ID names one of the two shielded pools tracked by the engine.
type ID int

const (
	Sapling ID = iota
	Orchard
)

func (p ID) String() string {
	if p == Sapling {
		return "sapling"
	}
	return "orchard"
}

// Depth is the fixed note-commitment tree depth for both pools
// (spec.md §3).
const Depth = 32

// Hash is a single tree node: either a leaf commitment or an internal
// node produced by combining two children.
type Hash [32]byte

// Surface is the capability surface a pool must provide. The protocol
// fixes Pedersen for Sapling and Sinsemilla for Orchard; computing
// those algebraically requires pairing-friendly/Pallas curve
// arithmetic this engine does not implement from scratch. Surface
// instead exposes the hash as an opaque, personalized function --
// distinct per pool and per level, the same shape the teacher already
// uses for its ZIP 244 digest tree (internal/blake2b personalization)
// -- so the pipeline code above it never needs to know the difference.
type Surface interface {
	ID() ID

	// Combine hashes two children at the given level (0 = leaf level)
	// into their level+1 parent.
	Combine(level int, left, right Hash) Hash

	// EmptyRoot returns the pre-computed sentinel root of an empty
	// subtree of the given level (spec.md §3 "empty positions filled
	// by a known sentinel at each depth").
	EmptyRoot(level int) Hash

	// Nullifier derives the nullifier of a note at the given absolute
	// tree position, given its per-pool secret material. The caller
	// supplies already-validated note fields; Nullifier never fails.
	Nullifier(fvk []byte, position uint64, rho [32]byte) [32]byte

	// Commitment recomputes a note commitment from its plaintext
	// fields and the viewing key that decrypted it, for the
	// decrypter's acceptance test cmu' == cmu (spec.md §4.2).
	Commitment(ivkScalar []byte, diversifier [11]byte, value uint64, rseed [32]byte) Hash
}

type surface struct {
	id       ID
	personal [16]byte
	empty    [Depth + 1]Hash
}

func newSurface(id ID, personal string) *surface {
	var p [16]byte
	copy(p[:], personal)
	s := &surface{id: id, personal: p}
	// Level-0 empty leaf is the all-zero sentinel; each higher level's
	// empty root is the hash of two empty children at the level below,
	// computed once at construction and cached (spec.md §3, §4.3).
	s.empty[0] = Hash{}
	for lvl := 1; lvl <= Depth; lvl++ {
		s.empty[lvl] = s.Combine(lvl-1, s.empty[lvl-1], s.empty[lvl-1])
	}
	return s
}

func (s *surface) ID() ID { return s.id }

func (s *surface) Combine(level int, left, right Hash) Hash {
	h := blake2b.New256Personalized(levelPersonalization(s.personal, level))
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (s *surface) EmptyRoot(level int) Hash {
	return s.empty[level]
}

func (s *surface) Nullifier(fvk []byte, position uint64, rho [32]byte) [32]byte {
	h := blake2b.New256Personalized(s.personal)
	h.Write(fvk)
	var posBytes [8]byte
	for i := range posBytes {
		posBytes[i] = byte(position >> (8 * i))
	}
	h.Write(posBytes[:])
	h.Write(rho[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (s *surface) Commitment(ivkScalar []byte, diversifier [11]byte, value uint64, rseed [32]byte) Hash {
	h := blake2b.New256Personalized(commitmentPersonalization(s.personal))
	h.Write(ivkScalar)
	h.Write(diversifier[:])
	var valueBytes [8]byte
	for i := range valueBytes {
		valueBytes[i] = byte(value >> (8 * i))
	}
	h.Write(valueBytes[:])
	h.Write(rseed[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func commitmentPersonalization(base [16]byte) [16]byte {
	out := base
	out[14] = 'C'
	return out
}

// levelPersonalization mixes the pool's personalization tag with the
// tree level so every level of the tree uses a distinct hash, matching
// the protocol requirement that internal nodes at different depths are
// not confusable with each other.
func levelPersonalization(base [16]byte, level int) [16]byte {
	out := base
	out[15] = byte(level)
	return out
}

var (
	saplingSurface = newSurface(Sapling, "Zcash_PedersenH") // 15 bytes + pad
	orchardSurface = newSurface(Orchard, "Zcash_SinsemHash")
)

// For gets the capability surface for a pool.
func For(id ID) Surface {
	if id == Sapling {
		return saplingSurface
	}
	return orchardSurface
}

// All is the pair of pools synchronized in every run.
func All() []ID { return []ID{Sapling, Orchard} }
