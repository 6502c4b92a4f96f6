// Package tree implements the note-commitment tree frontier and
// witness extension described in spec.md §4.3: the third pipeline
// stage folds each chunk's leaves into the running frontier and, for
// every tracked position (existing witnesses plus the chunk's own new
// notes), extends or creates the authentication path.
//
// The frontier and every witness share the same right-spine hashes as
// the tree grows -- a witness is filled at a given level by exactly
// the value the frontier's own carry cascade produces when it reaches
// that level -- so a single pass over the chunk's leaves maintains
// both (spec.md §9 "Design Notes": "computed once per chunk, then
// distributed to witnesses by an index test").
package tree

import (
	"runtime"

	"github.com/sourcegraph/conc/pool"
	zpool "github.com/zcash/warpsync/pool"
)

// Builder owns the live frontier and the set of witnesses currently
// being extended for one shielded pool.
type Builder struct {
	surface zpool.Surface
	front   Frontier
	waiting map[int][]*Witness
}

// NewBuilder starts a builder at the empty tree.
func NewBuilder(id zpool.ID) *Builder {
	return &Builder{surface: zpool.For(id), waiting: make(map[int][]*Witness)}
}

// Resume restarts a builder from a persisted frontier (spec.md §5
// "Resumability"). Witnesses still being tracked across the restart
// boundary must be re-registered with Track.
func Resume(id zpool.ID, f Frontier) *Builder {
	b := NewBuilder(id)
	b.front = f
	return b
}

// Frontier returns the current frontier; callers that persist it
// across a commit must Clone it first.
func (b *Builder) Frontier() Frontier { return b.front }

// Root returns the tree root implied by the current frontier.
func (b *Builder) Root() zpool.Hash { return b.front.Root(b.surface) }

// WitnessRoot recomputes the root a witness authenticates, given the
// leaf commitment it was created for -- used by anchor validation to
// confirm a note's path still reaches the frontier's own root (spec.md
// §8 "Testable Properties"). A not-yet-filled level whose sibling
// subtree already holds some leaves takes that subtree's root from the
// frontier; a wholly empty one uses the empty-subtree sentinel.
func (b *Builder) WitnessRoot(w *Witness, leaf zpool.Hash) zpool.Hash {
	wc := *w
	acc := b.surface.EmptyRoot(0)
	for level := 0; level < zpool.Depth; level++ {
		if !wc.Filled[level] && (w.Position>>uint(level))^1 == b.front.Size>>uint(level) {
			wc.Ommers[level], wc.Filled[level] = acc, true
		}
		left, right := acc, b.surface.EmptyRoot(level)
		if p := b.front.Pending[level]; p != nil {
			left, right = *p, acc
		}
		acc = b.surface.Combine(level, left, right)
	}
	return wc.Root(b.surface, leaf)
}

// Track re-registers a witness carried over from a previous chunk so
// it continues to receive fills.
func (b *Builder) Track(w *Witness) {
	if w.Done() {
		return
	}
	lvl := w.nextWaitLevel()
	b.waiting[lvl] = append(b.waiting[lvl], w)
}

// NewNote identifies a chunk-local leaf that should receive a freshly
// created witness once appended.
type NewNote struct {
	ChunkIndex int
	Leaf       zpool.Hash
}

// Extend folds leaves (the chunk's commitments, in tree order) into
// the frontier, fills every tracked witness's next pending level as
// the right spine grows past it, and returns a freshly created
// witness for each position named in newNotes.
//
// Adjacent pairs of leaves that are not referenced by newNotes are
// hashed in parallel ahead of the sequential fold -- level 0 dominates
// the total hashing cost of a chunk, so this captures most of the
// throughput the spec's "parallel across pairs at each level"
// discipline asks for, without complicating witness bookkeeping for
// the (rare) leaves that land inside a newly created witness.
func (b *Builder) Extend(leaves []zpool.Hash, newNotes []NewNote) map[int]*Witness {
	interesting := make(map[int]bool, len(newNotes))
	for _, n := range newNotes {
		interesting[n.ChunkIndex] = true
	}

	pairs := b.parallelPairs(leaves, interesting)

	out := make(map[int]*Witness, len(newNotes))
	i := 0
	for i < len(leaves) {
		if pair, ok := pairs[i]; ok {
			b.appendBlock(1, pair)
			i += 2
			continue
		}
		leaf := leaves[i]
		before := b.front.Pending
		b.appendBlock(0, leaf)
		if interesting[i] {
			w := newWitness(b.front.Size-1, before)
			out[i] = w
			b.Track(w)
		}
		i++
	}
	return out
}

// parallelPairs computes, for every index i such that i and i+1 are
// both uninteresting and i is at an even position relative to the
// current tree size (so the sequential fold can consume them as a
// single level-1 block), the level-0 combine of leaves[i] and
// leaves[i+1]. Computed concurrently across a worker pool sized to
// available parallelism.
func (b *Builder) parallelPairs(leaves []zpool.Hash, interesting map[int]bool) map[int]zpool.Hash {
	type job struct {
		i    int
		a, b zpool.Hash
	}
	var jobs []job
	evenBoundary := b.front.Pending[0] == nil
	i := 0
	for i < len(leaves) {
		atEvenPos := (evenBoundary && i%2 == 0) || (!evenBoundary && i%2 == 1)
		if atEvenPos && i+1 < len(leaves) && !interesting[i] && !interesting[i+1] {
			jobs = append(jobs, job{i: i, a: leaves[i], b: leaves[i+1]})
			i += 2
			continue
		}
		i++
	}
	if len(jobs) == 0 {
		return nil
	}

	results := make([]zpool.Hash, len(jobs))
	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for idx, j := range jobs {
		idx, j := idx, j
		p.Go(func() {
			results[idx] = b.surface.Combine(0, j.a, j.b)
		})
	}
	p.Wait()

	out := make(map[int]zpool.Hash, len(jobs))
	for idx, j := range jobs {
		out[j.i] = results[idx]
	}
	return out
}

// appendBlock folds a single already-combined subtree root of size
// 2^level into the frontier, filling any witness waiting at the
// levels the carry cascade passes through along the way.
func (b *Builder) appendBlock(level int, h zpool.Hash) {
	carry := h
	lvl := level
	for b.front.Pending[lvl] != nil {
		for _, w := range b.waiting[lvl] {
			w.fill(lvl, carry)
			if !w.Done() {
				b.waiting[w.nextWaitLevel()] = append(b.waiting[w.nextWaitLevel()], w)
			}
		}
		delete(b.waiting, lvl)
		carry = b.surface.Combine(lvl, *b.front.Pending[lvl], carry)
		b.front.Pending[lvl] = nil
		lvl++
	}
	h2 := carry
	b.front.Pending[lvl] = &h2
	b.front.Size += 1 << uint(level)
}
