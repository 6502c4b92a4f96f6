package reorg

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/zcash/warpsync/blocksource/fake"
	"github.com/zcash/warpsync/checkpoint"
	"github.com/zcash/warpsync/compact"
	"github.com/zcash/warpsync/pool"
	"github.com/zcash/warpsync/storage"
	"github.com/zcash/warpsync/tree"
)

func blockAt(height uint64, hash byte) compact.Block {
	var h [32]byte
	h[0] = hash
	return compact.Block{Height: height, Hash: h}
}

func commitBlock(t *testing.T, s *storage.Sqlite3Store, b compact.Block) {
	t.Helper()
	cp := checkpoint.Checkpoint{
		Block: checkpoint.Block{
			Height: b.Height,
			Hash:   b.Hash,
			Frontier: map[pool.ID]tree.Frontier{
				pool.Sapling: {},
				pool.Orchard: {},
			},
		},
	}
	if err := s.Commit(context.Background(), cp); err != nil {
		t.Fatalf("commit block %d: %v", b.Height, err)
	}
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(errDiscard{})
	return logrus.NewEntry(l)
}

type errDiscard struct{}

func (errDiscard) Write(p []byte) (int, error) { return len(p), nil }

func TestReconcileNoOpWhenHashesMatch(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	src := fake.New(1)
	src.Append(blockAt(1, 0x01), blockAt(2, 0x02), blockAt(3, 0x03))
	commitBlock(t, s, blockAt(1, 0x01))
	commitBlock(t, s, blockAt(2, 0x02))
	commitBlock(t, s, blockAt(3, 0x03))

	h := New(s, src, discardLog())
	resume, rolledBack, err := h.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rolledBack {
		t.Fatalf("expected no rollback when hashes match")
	}
	if resume != 3 {
		t.Fatalf("expected resume (last trusted) height 3, got %d", resume)
	}
}

func TestReconcileFindsAncestorAndRollsBack(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	commitBlock(t, s, blockAt(1, 0x01))
	commitBlock(t, s, blockAt(2, 0x02))
	commitBlock(t, s, blockAt(3, 0x03))

	src := fake.New(1)
	src.Append(blockAt(1, 0x01), blockAt(2, 0x02), blockAt(3, 0xFF))

	h := New(s, src, discardLog())
	resume, rolledBack, err := h.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rolledBack {
		t.Fatalf("expected rollback to be reported")
	}
	if resume != 2 {
		t.Fatalf("expected resume (last trusted) height 2, the ancestor, got %d", resume)
	}

	height, ok, err := s.LatestHeight(context.Background())
	if err != nil || !ok || height != 2 {
		t.Fatalf("expected rollback to leave latest height 2, got %d ok=%v err=%v", height, ok, err)
	}
}

func TestReconcileTooDeepReturnsError(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	commitBlock(t, s, blockAt(1, 0x01))

	src := fake.New(1)
	src.Append(blockAt(1, 0xFF))

	h := New(s, src, discardLog()).WithHorizon(0)
	_, _, err = h.Reconcile(context.Background())
	if !errors.Is(err, ErrTooDeep) {
		t.Fatalf("expected ErrTooDeep, got %v", err)
	}
}
