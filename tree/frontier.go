package tree

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/zcash/warpsync/pool"
)

// Frontier is the minimal per-level state sufficient to append new
// leaves to the note-commitment tree and produce its current root
// (spec.md §3 "Frontier"). Pending[l] holds the root of the current
// rightmost complete subtree of size 2^l, or nil if no such subtree is
// currently waiting to be combined with its right sibling -- the
// classic incremental/binary-counter representation: Pending[l] is set
// exactly when bit l of Size is 1.
type Frontier struct {
	Size    uint64
	Pending [pool.Depth]*pool.Hash
}

// Root computes the tree root implied by the frontier: the same
// computation as a witness for the not-yet-existing leaf at position
// Size, using Pending entries for known left siblings and the pool's
// empty-subtree sentinels for not-yet-filled right siblings.
func (f *Frontier) Root(surface pool.Surface) pool.Hash {
	leaf := surface.EmptyRoot(0)
	sibling := func(level int) pool.Hash {
		if f.Pending[level] != nil {
			return *f.Pending[level]
		}
		return surface.EmptyRoot(level)
	}
	return pathToRoot(surface, leaf, f.Size, sibling)
}

// frontierWire is Frontier's gob-safe mirror: encoding/gob refuses to
// encode an array element that is a nil pointer ("gob: encodeArray:
// nil element"), which every non-empty Frontier has at least one of.
// Pending's nil-ness is fully determined by Size's bits (a slot is set
// exactly when the corresponding bit of Size is 1), so persisting
// plain values plus Size loses nothing.
type frontierWire struct {
	Size    uint64
	Pending [pool.Depth]pool.Hash
}

// GobEncode implements gob.GobEncoder.
func (f Frontier) GobEncode() ([]byte, error) {
	var wire frontierWire
	wire.Size = f.Size
	for i, p := range f.Pending {
		if p != nil {
			wire.Pending[i] = *p
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, fmt.Errorf("tree: encode frontier: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (f *Frontier) GobDecode(data []byte) error {
	var wire frontierWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return fmt.Errorf("tree: decode frontier: %w", err)
	}
	f.Size = wire.Size
	for i := range f.Pending {
		if wire.Size&(1<<uint(i)) != 0 {
			h := wire.Pending[i]
			f.Pending[i] = &h
		} else {
			f.Pending[i] = nil
		}
	}
	return nil
}

// Clone returns a deep copy; the tree builder hands frontiers off by
// value at each chunk commit (spec.md §5), so callers that retain a
// reference across commits must not alias the builder's live state.
func (f *Frontier) Clone() Frontier {
	var out Frontier
	out.Size = f.Size
	for i, p := range f.Pending {
		if p != nil {
			h := *p
			out.Pending[i] = &h
		}
	}
	return out
}

// pathToRoot folds a leaf up to the tree root given a per-level
// sibling function and a bit-pattern position that determines, at
// each level, whether the sibling lies to the left (bit set) or right
// (bit clear) of the accumulator.
func pathToRoot(surface pool.Surface, leaf pool.Hash, position uint64, sibling func(level int) pool.Hash) pool.Hash {
	acc := leaf
	for level := 0; level < pool.Depth; level++ {
		sib := sibling(level)
		if position&(1<<uint(level)) != 0 {
			acc = surface.Combine(level, sib, acc)
		} else {
			acc = surface.Combine(level, acc, sib)
		}
	}
	return acc
}
