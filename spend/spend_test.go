package spend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zcash/warpsync/note"
	"github.com/zcash/warpsync/pool"
)

type recordingObserver struct {
	mu     sync.Mutex
	spent  []note.Received
	blockC chan struct{} // if set, NoteSpent blocks until closed
}

func (o *recordingObserver) NoteSpent(ctx context.Context, n note.Received) {
	if o.blockC != nil {
		<-o.blockC
	}
	o.mu.Lock()
	o.spent = append(o.spent, n)
	o.mu.Unlock()
}

func noteWithNullifier(nf byte, txid byte, outIdx int) note.Received {
	n := note.Received{OutputIndex: outIdx, Pool: pool.Sapling}
	n.Txid[0] = txid
	n.Nullifier[0] = nf
	return n
}

func TestMatchFindsAndUnwatchesWatchedNullifier(t *testing.T) {
	d := New(nil, nil)
	n := noteWithNullifier(0xAA, 0x01, 0)
	d.Watch(n)

	var spendTxid [32]byte
	spendTxid[0] = 0x99
	matches := d.Match(context.Background(), pool.Sapling, 100, spendTxid, 2, [][32]byte{n.Nullifier, {0xFF}})

	if len(matches) != 1 {
		t.Fatalf("expected exactly 1 match, got %d", len(matches))
	}
	m := matches[0]
	if m.Key != n.Key() || m.Height != 100 || m.SpendTxid != spendTxid || m.SpendIndex != 2 {
		t.Fatalf("unexpected match contents: %+v", m)
	}

	// A nullifier can only be spent once; matching it again must find nothing.
	again := d.Match(context.Background(), pool.Sapling, 101, spendTxid, 0, [][32]byte{n.Nullifier})
	if len(again) != 0 {
		t.Fatalf("expected the nullifier to no longer be watched after its first match, got %v", again)
	}
}

func TestUnwatchRemovesBeforeAnyMatch(t *testing.T) {
	d := New(nil, nil)
	n := noteWithNullifier(0xBB, 0x02, 0)
	d.Watch(n)
	d.Unwatch(n.Nullifier)

	matches := d.Match(context.Background(), pool.Sapling, 100, [32]byte{}, 0, [][32]byte{n.Nullifier})
	if len(matches) != 0 {
		t.Fatalf("expected no matches after Unwatch, got %v", matches)
	}
}

func TestMatchNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	d := New(obs, nil)
	n := noteWithNullifier(0xCC, 0x03, 1)
	d.Watch(n)

	d.Match(context.Background(), pool.Sapling, 100, [32]byte{}, 0, [][32]byte{n.Nullifier})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		obs.mu.Lock()
		got := len(obs.spent)
		obs.mu.Unlock()
		if got == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("observer was not notified within the deadline")
}

func TestNotifyDropsWhenSemaphoreFull(t *testing.T) {
	blockC := make(chan struct{})
	obs := &recordingObserver{blockC: blockC}
	d := New(obs, nil)
	defer close(blockC)

	for i := 0; i < MaxConcurrentNotifications+2; i++ {
		n := noteWithNullifier(byte(i), byte(i), 0)
		d.Watch(n)
		d.Match(context.Background(), pool.Sapling, 100, [32]byte{}, 0, [][32]byte{n.Nullifier})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && d.FailedNotifications() == 0 {
		time.Sleep(time.Millisecond)
	}
	if d.FailedNotifications() == 0 {
		t.Fatalf("expected at least one dropped notification once the semaphore saturates")
	}
}
