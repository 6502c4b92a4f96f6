package engine

import "errors"

// Fatal error kinds (spec.md §7 "Error Handling Design"). A transient
// transport error is not among these: the downloader retries it
// internally and only surfaces ErrDownloadExhausted once its backoff
// policy is spent.
var (
	// ErrDownloadExhausted wraps a downloader fatal error once its
	// retry ceiling is exhausted.
	ErrDownloadExhausted = errors.New("engine: block download retries exhausted")

	// ErrStoreCommit wraps a checkpoint commit failure. The chunk's
	// changes are guaranteed rolled back by the store; the pipeline
	// reports failure and the next run restarts from the previous
	// checkpoint.
	ErrStoreCommit = errors.New("engine: checkpoint commit failed")

	// ErrAnchorMismatch fires if a witness's recomputed root ever
	// diverges from the tree builder's own frontier root for the
	// same pool at the same chunk boundary -- an internal
	// consistency check, since the BlockSource interface this engine
	// targets does not transmit a separate consensus anchor to check
	// against (see DESIGN.md).
	ErrAnchorMismatch = errors.New("engine: witness root diverges from frontier root")

	// ErrReorgTooDeep surfaces reorg.ErrTooDeep as a fatal sync error.
	ErrReorgTooDeep = errors.New("engine: reorg exceeds rollback horizon, manual resync required")
)
