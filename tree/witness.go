package tree

import "github.com/zcash/warpsync/pool"

// Witness is an authentication path: the sibling hash needed at every
// level to recompute the tree root from a single leaf (spec.md §3).
// Ommers[l] is valid once Filled[l] is true; a freshly created witness
// already has every level whose sibling lies to its left filled in
// from the frontier, and waits on the rest as the tree grows to its
// right (spec.md §4.3 "witness extension").
type Witness struct {
	Position uint64
	Ommers   [pool.Depth]pool.Hash
	Filled   [pool.Depth]bool

	// zeroLevels lists, ascending, the levels not yet known at
	// creation time -- the only levels that can ever still need a
	// fill. next is the index of the next one still pending.
	zeroLevels []int
	next       int
}

// Done reports whether every level of the witness is now filled.
func (w *Witness) Done() bool { return w.next >= len(w.zeroLevels) }

// newWitness builds a witness for a leaf just appended at the given
// position, reading already-known left-sibling levels off the
// frontier state as of immediately before that append.
func newWitness(position uint64, pending [pool.Depth]*pool.Hash) *Witness {
	w := &Witness{Position: position}
	for level := 0; level < pool.Depth; level++ {
		if position&(1<<uint(level)) != 0 {
			// Sibling is the complete subtree to the left; it exists
			// already and its root is exactly the pending entry at this
			// level before the append cascade folded it in.
			w.Ommers[level] = *pending[level]
			w.Filled[level] = true
		} else {
			w.zeroLevels = append(w.zeroLevels, level)
		}
	}
	return w
}

// nextWaitLevel returns the level this witness is currently waiting
// to have filled, or -1 if it is already complete.
func (w *Witness) nextWaitLevel() int {
	if w.Done() {
		return -1
	}
	return w.zeroLevels[w.next]
}

// fill records the sibling hash for the witness's current wait level
// and advances it to the next one, if any.
func (w *Witness) fill(level int, sibling pool.Hash) {
	w.Ommers[level] = sibling
	w.Filled[level] = true
	w.next++
}

// Rebuild reconstructs a witness's internal bookkeeping from its
// persisted fields (Position, Ommers, Filled) -- used when a witness
// row is loaded back from the store across a process restart, since
// the fill-scheduling state is otherwise derived, not stored.
func Rebuild(position uint64, ommers [pool.Depth]pool.Hash, filled [pool.Depth]bool) *Witness {
	w := &Witness{Position: position, Ommers: ommers, Filled: filled}
	for level := 0; level < pool.Depth; level++ {
		if position&(1<<uint(level)) == 0 {
			w.zeroLevels = append(w.zeroLevels, level)
		}
	}
	for _, lvl := range w.zeroLevels {
		if filled[lvl] {
			w.next++
		} else {
			break
		}
	}
	return w
}

// Root recomputes the tree root this witness authenticates against,
// given the leaf commitment it was built for. A level not yet filled
// uses the pool's empty-subtree sentinel for that level; a right
// sibling subtree that already holds some (but not all) of its leaves
// is not accounted for here -- Builder.WitnessRoot supplies that
// subtree's root from the frontier.
func (w *Witness) Root(surface pool.Surface, leaf pool.Hash) pool.Hash {
	sibling := func(level int) pool.Hash {
		if w.Filled[level] {
			return w.Ommers[level]
		}
		return surface.EmptyRoot(level)
	}
	return pathToRoot(surface, leaf, w.Position, sibling)
}
