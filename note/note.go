// Package note holds the Received Note data model (spec.md §3): the
// record a successful trial decryption produces, and the fields every
// later pipeline stage (tree builder, spend detector, committer)
// attaches to it.
package note

import "github.com/zcash/warpsync/pool"

// Received is a note the wallet has decrypted as belonging to one of
// its accounts. Position is assigned by the tree builder in
// block-then-intra-block order (spec.md §3 invariant); Nullifier is
// filled in by the engine, through the pool's Nullifier function, once
// Position is known.
type Received struct {
	Account     uint32
	Pool        pool.ID
	Position    uint64 // absolute leaf index in the pool's NCT
	Diversifier [11]byte
	Value       uint64
	Rseed       [32]byte

	Txid        [32]byte
	OutputIndex int
	Height      uint64
	TxIndex     int // the transaction's index within its block (spec.md §3 "tx-index in block")

	Nullifier  [32]byte
	SpentAt    *uint64 // height of first block whose tx consumed Nullifier; nil if unspent
	Excluded   bool

	// ChunkIndex is the position of this output within the chunk that
	// produced it, before absolute positions are known. The tree
	// builder consumes it and never looks at it again.
	ChunkIndex int
}

// IsSpent reports whether the note has a recorded spend height.
func (n *Received) IsSpent() bool { return n.SpentAt != nil }

// Key identifies a note uniquely within a single transaction, used by
// the committer's UNIQUE(tx, output_index) constraint (spec.md §6).
type Key struct {
	Txid        [32]byte
	OutputIndex int
}

func (n *Received) Key() Key {
	return Key{Txid: n.Txid, OutputIndex: n.OutputIndex}
}
