package storage

import (
	"context"
	"testing"

	"github.com/zcash/warpsync/checkpoint"
	"github.com/zcash/warpsync/note"
	"github.com/zcash/warpsync/pool"
	"github.com/zcash/warpsync/tree"
)

func openTestStore(t *testing.T) *Sqlite3Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleCheckpoint(height uint64, txid byte) checkpoint.Checkpoint {
	var hash [32]byte
	hash[0] = byte(height)
	var txidArr [32]byte
	txidArr[0] = txid

	b := tree.NewBuilder(pool.Sapling)
	witnesses := b.Extend([]pool.Hash{{1}}, []tree.NewNote{{ChunkIndex: 0, Leaf: pool.Hash{1}}})
	w := witnesses[0]

	return checkpoint.Checkpoint{
		Block: checkpoint.Block{
			Height: height,
			Hash:   hash,
			Time:   1000 + uint32(height),
			Frontier: map[pool.ID]tree.Frontier{
				pool.Sapling: b.Frontier(),
				pool.Orchard: tree.Frontier{},
			},
		},
		NewNotes: []note.Received{{
			Account:     0,
			Pool:        pool.Sapling,
			Position:    0,
			Txid:        txidArr,
			Height:      height,
			OutputIndex: 0,
			Value:       1000,
			Nullifier:   [32]byte{txid, 1},
		}},
		Witnesses: []checkpoint.WitnessRow{{
			NoteKey: note.Key{Txid: txidArr, OutputIndex: 0},
			Height:  height,
			Witness: *w,
		}},
		Transactions: []checkpoint.TransactionRow{{
			Account: 0,
			Txid:    txidArr,
			Height:  height,
			TxIndex: 0,
			Value:   1000,
		}},
	}
}

func TestCommitAndLatestHeightRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LatestHeight(ctx); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	cp := sampleCheckpoint(100, 0xAA)
	if err := s.Commit(ctx, cp); err != nil {
		t.Fatalf("commit: %v", err)
	}

	height, ok, err := s.LatestHeight(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a latest height, err=%v", err)
	}
	if height != 100 {
		t.Fatalf("expected height 100, got %d", height)
	}

	hash, ok, err := s.BlockHash(ctx, 100)
	if err != nil || !ok {
		t.Fatalf("expected a block hash, err=%v", err)
	}
	if hash[0] != 100 {
		t.Fatalf("unexpected hash: %v", hash)
	}
}

func TestCommitIsAllOrNothingOnDuplicateNullifier(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp1 := sampleCheckpoint(100, 0xAA)
	if err := s.Commit(ctx, cp1); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Same nullifier as cp1's note violates the UNIQUE(nf) constraint;
	// the whole second commit, including its block row, must not land.
	cp2 := sampleCheckpoint(101, 0xBB)
	cp2.NewNotes[0].Nullifier = cp1.NewNotes[0].Nullifier

	if err := s.Commit(ctx, cp2); err == nil {
		t.Fatalf("expected a unique-constraint failure on duplicate nullifier")
	}

	height, _, err := s.LatestHeight(ctx)
	if err != nil {
		t.Fatalf("latest height: %v", err)
	}
	if height != 100 {
		t.Fatalf("failed commit must not have left a partial block row, latest height is %d", height)
	}
}

func TestLoadFrontierAndWitnessesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint(100, 0xCC)
	if err := s.Commit(ctx, cp); err != nil {
		t.Fatalf("commit: %v", err)
	}

	front, err := s.LoadFrontier(ctx, pool.Sapling, 100)
	if err != nil {
		t.Fatalf("load frontier: %v", err)
	}
	if front.Size != cp.Block.Frontier[pool.Sapling].Size {
		t.Fatalf("frontier size mismatch after round trip: got %d want %d", front.Size, cp.Block.Frontier[pool.Sapling].Size)
	}

	witnesses, err := s.LoadWitnesses(ctx, pool.Sapling, 100)
	if err != nil {
		t.Fatalf("load witnesses: %v", err)
	}
	key := note.Key{Txid: cp.NewNotes[0].Txid, OutputIndex: 0}
	w, ok := witnesses[key]
	if !ok {
		t.Fatalf("expected a witness for the committed note")
	}
	if w.Position != cp.Witnesses[0].Witness.Position {
		t.Fatalf("witness position mismatch after round trip")
	}
}

func TestRollbackToRemovesLaterStateAndClearsSpend(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp1 := sampleCheckpoint(100, 0x01)
	if err := s.Commit(ctx, cp1); err != nil {
		t.Fatalf("commit 100: %v", err)
	}
	cp2 := sampleCheckpoint(101, 0x02)
	cp2.SpentMarks = []checkpoint.SpentMark{{
		NoteKey: note.Key{Txid: cp1.NewNotes[0].Txid, OutputIndex: 0},
		Height:  101,
	}}
	if err := s.Commit(ctx, cp2); err != nil {
		t.Fatalf("commit 101: %v", err)
	}

	if err := s.RollbackTo(ctx, 100); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	height, ok, err := s.LatestHeight(ctx)
	if err != nil || !ok || height != 100 {
		t.Fatalf("expected latest height 100 after rollback, got %d ok=%v err=%v", height, ok, err)
	}

	witnesses, err := s.LoadWitnesses(ctx, pool.Sapling, 100)
	if err != nil {
		t.Fatalf("load witnesses after rollback: %v", err)
	}
	key := note.Key{Txid: cp1.NewNotes[0].Txid, OutputIndex: 0}
	if _, ok := witnesses[key]; !ok {
		t.Fatalf("note's spend mark should have been cleared by the rollback, making it unspent again")
	}
}
