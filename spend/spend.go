// Package spend implements the fourth pipeline stage's matching half
// (spec.md §4.4): given a chunk's revealed nullifiers, find which of
// the wallet's own notes they spend.
package spend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zcash/warpsync/enginemetrics"
	"github.com/zcash/warpsync/note"
	"github.com/zcash/warpsync/pool"
)

// MaxConcurrentNotifications bounds the number of in-flight observer
// callbacks so a slow or stuck observer cannot grow goroutines without
// bound (spec.md §5 "bounded everywhere"; grounded on the teacher's
// nullifier_extractor.go semaphore pattern).
const MaxConcurrentNotifications = 10

// DefaultNotifyTimeout bounds a single observer callback when the
// caller's context carries no deadline of its own.
const DefaultNotifyTimeout = 30 * time.Second

// Observer is notified, best-effort, whenever a tracked note is found
// spent. Implementations must not block significantly; the detector
// runs them off the hot path behind a bounded semaphore and never
// waits for them to complete the chunk's commit.
type Observer interface {
	NoteSpent(ctx context.Context, spent note.Received)
}

// Match is a revealed nullifier that was found to spend one of the
// wallet's notes.
type Match struct {
	Pool       pool.ID
	Nullifier  [32]byte
	Height     uint64
	SpendTxid  [32]byte // the transaction whose input revealed Nullifier
	SpendIndex int      // that transaction's index within its block
	Key        note.Key // identifies the now-spent note
}

// Detector holds the set of unspent note nullifiers currently being
// watched for, across both pools, and matches them against nullifiers
// revealed by later blocks.
type Detector struct {
	mu      sync.Mutex
	watched map[[32]byte]note.Key

	observer  Observer
	semaphore chan struct{}
	timeout   time.Duration

	pending int64
	failed  int64

	log *logrus.Logger
}

// New builds a Detector. observer may be nil, in which case matches
// are still recorded but nothing is notified.
func New(observer Observer, log *logrus.Logger) *Detector {
	if log == nil {
		log = logrus.New()
	}
	return &Detector{
		watched:   make(map[[32]byte]note.Key),
		observer:  observer,
		semaphore: make(chan struct{}, MaxConcurrentNotifications),
		timeout:   DefaultNotifyTimeout,
		log:       log,
	}
}

// Watch starts tracking a newly received note's nullifier.
func (d *Detector) Watch(n note.Received) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watched[n.Nullifier] = n.Key()
}

// Unwatch stops tracking a nullifier, e.g. after a rollback invalidates
// the note that produced it.
func (d *Detector) Unwatch(nullifier [32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.watched, nullifier)
}

// Match tests a chunk's revealed nullifiers against the watched set
// and returns the subset that spend a wallet note. Matched nullifiers
// stop being watched: a note can only be spent once, and the spend
// detector never needs to see it again (spec.md §4.4 edge case).
func (d *Detector) Match(ctx context.Context, p pool.ID, height uint64, spendTxid [32]byte, spendIndex int, nullifiers [][32]byte) []Match {
	var matches []Match
	d.mu.Lock()
	for _, nf := range nullifiers {
		key, ok := d.watched[nf]
		if !ok {
			continue
		}
		delete(d.watched, nf)
		matches = append(matches, Match{
			Pool: p, Nullifier: nf, Height: height,
			SpendTxid: spendTxid, SpendIndex: spendIndex, Key: key,
		})
	}
	d.mu.Unlock()

	for _, m := range matches {
		d.notify(ctx, m)
	}
	return matches
}

// notify fires the observer callback in a bounded, fire-and-forget
// goroutine. A full semaphore means the chunk's commit proceeds
// without waiting; the match itself is never lost, only the
// best-effort notification.
func (d *Detector) notify(ctx context.Context, m Match) {
	if d.observer == nil {
		return
	}

	select {
	case d.semaphore <- struct{}{}:
	default:
		d.log.WithFields(logrus.Fields{
			"height":  m.Height,
			"pool":    m.Pool.String(),
			"pending": atomic.LoadInt64(&d.pending),
		}).Warn("spend observer queue full, dropping notification")
		atomic.AddInt64(&d.failed, 1)
		enginemetrics.SpendNotificationsFailed.Inc()
		return
	}

	atomic.AddInt64(&d.pending, 1)
	spent := note.Received{Txid: m.Key.Txid, OutputIndex: m.Key.OutputIndex, Pool: m.Pool, Height: m.Height}

	go func() {
		defer func() {
			<-d.semaphore
			atomic.AddInt64(&d.pending, -1)
		}()

		notifyCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			notifyCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		d.observer.NoteSpent(notifyCtx, spent)
	}()
}

// PendingNotifications returns the number of observer callbacks
// currently in flight, for metrics.
func (d *Detector) PendingNotifications() int64 { return atomic.LoadInt64(&d.pending) }

// FailedNotifications returns the number of notifications dropped
// because the semaphore was full.
func (d *Detector) FailedNotifications() int64 { return atomic.LoadInt64(&d.failed) }
