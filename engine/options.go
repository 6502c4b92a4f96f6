package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/zcash/warpsync/blocksource"
	"github.com/zcash/warpsync/downloader"
	"github.com/zcash/warpsync/enginelog"
	"github.com/zcash/warpsync/keyring"
	"github.com/zcash/warpsync/reorg"
	"github.com/zcash/warpsync/spend"
	"github.com/zcash/warpsync/storage"
)

// Options configures one sync run (spec.md §6 "Configuration"),
// mirroring the shape of the teacher's common.Options.
type Options struct {
	Source blocksource.BlockSource
	Store  storage.Store
	Keys   *keyring.Registry

	// Observer is notified, best-effort, of every note the run finds
	// spent (SPEC_FULL.md's supplemented "nullifier extraction hook").
	// Optional.
	Observer spend.Observer

	// Log defaults to enginelog.L when nil.
	Log *logrus.Entry

	// Download configures the downloader's spam filter, chunk sizing,
	// and retry policy. Zero value resolves to downloader.DefaultOptions.
	Download downloader.Options

	// AnchorOffset holds the run behind the source's reported tip by
	// this many blocks, for confirmation safety (spec.md §6 "Exit
	// conditions"; SPEC_FULL.md's confirmation-lag supplement).
	AnchorOffset uint64

	// ReorgHorizon overrides reorg.DefaultHorizon; zero keeps the default.
	ReorgHorizon uint64

	// Clock defaults to SystemClock when nil.
	Clock Clock
}

func (o Options) resolved() Options {
	if o.Download == (downloader.Options{}) {
		o.Download = downloader.DefaultOptions()
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Log == nil {
		o.Log = enginelog.L
	}
	return o
}

func (o Options) reorgHandler() *reorg.Handler {
	h := reorg.New(o.Store, o.Source, o.Log)
	if o.ReorgHorizon > 0 {
		h = h.WithHorizon(o.ReorgHorizon)
	}
	return h
}
