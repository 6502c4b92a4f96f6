// Package compact defines the wire-level shapes exchanged with the
// block-source service (spec.md §6): a compact block is the minimal
// subset of a full block needed to trial-decrypt outputs and extend
// the note-commitment tree. These types are deliberately plain Go
// structs rather than generated protobuf code -- the engine treats
// the block-source as an external collaborator reached through the
// BlockSource interface (see package blocksource), and any transport
// is free to marshal these fields however it likes.
package compact

// Output is the subset of a shielded output transmitted during sync:
// an ephemeral public key, a 52-byte ciphertext prefix (enough to
// trial-decrypt but not to recover the memo), and the note commitment.
type Output struct {
	Cmu           [32]byte
	EphemeralKey  [32]byte
	CipherText    [52]byte
}

// Spend is a shielded spend description's revealed nullifier.
type Spend struct {
	Nullifier [32]byte
}

// Action is an Orchard action; unlike Sapling it bundles a spend and
// an output in a single description.
type Action struct {
	Nullifier    [32]byte
	Cmx          [32]byte
	EphemeralKey [32]byte
	CipherText   [52]byte
}

// Tx is a compact transaction: its id, its Sapling spends/outputs, and
// its Orchard actions, in within-block order.
type Tx struct {
	Index          int
	Txid           [32]byte
	SaplingSpends  []Spend
	SaplingOutputs []Output
	OrchardActions []Action
}

// Block is a compact block: header metadata plus its compact
// transactions, in chain order.
type Block struct {
	Height   uint64
	Hash     [32]byte
	PrevHash [32]byte
	Time     uint32
	Vtx      []Tx
}

// OutputCount returns the number of shielded outputs/actions the
// transaction contributes to its chunk, pre-spam-filter. Used by the
// downloader's chunk-sizing cap (spec.md §4.1) and by the spam filter's
// own threshold test.
func (t *Tx) OutputCount() int {
	return len(t.SaplingOutputs) + len(t.OrchardActions)
}

// BlockID identifies a block by height and hash, the shape returned by
// GetLatestBlock and the reorg point-query (spec.md §6).
type BlockID struct {
	Height uint64
	Hash   [32]byte
}
