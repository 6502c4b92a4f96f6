// Package checkpoint defines the atomic commit tuple the spend
// detector produces at the end of every chunk (spec.md §3
// "Checkpoint", §4.4 "Commit"): everything the store must persist
// together, in a single transaction, or not at all.
package checkpoint

import (
	"github.com/zcash/warpsync/note"
	"github.com/zcash/warpsync/pool"
	"github.com/zcash/warpsync/tree"
)

// Block is the terminal block row of a chunk.
type Block struct {
	Height   uint64
	Hash     [32]byte
	Time     uint32
	Frontier map[pool.ID]tree.Frontier
}

// WitnessRow is one note's authentication path as of the checkpoint
// height.
type WitnessRow struct {
	NoteKey note.Key
	Height  uint64
	Witness tree.Witness
}

// TransactionRow is the informational envelope row for a transaction
// that contributed at least one received or spent note.
type TransactionRow struct {
	Account uint32
	Txid    [32]byte
	Height  uint64
	TxIndex int
	Value   int64 // net value: positive for receives, negative for spends, summed
	Address string
	Memo    string
}

// SpentMark records that a previously received note was found spent
// at this checkpoint's height.
type SpentMark struct {
	NoteKey note.Key
	Height  uint64
}

// Checkpoint is the full atomic unit the committer writes at a chunk
// boundary (spec.md §4.4 "Commit"). All fields describe state as of
// Block.Height; a store implementation must apply every field or none.
type Checkpoint struct {
	Block        Block
	NewNotes     []note.Received
	SpentMarks   []SpentMark
	Witnesses    []WitnessRow
	Transactions []TransactionRow
}
