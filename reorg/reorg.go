// Package reorg detects and repairs chain reorganizations (spec.md
// §4.5): before resuming a sync run, the stored chain tip is compared
// against the block source's current view, and any divergence is
// walked backwards to a common ancestor and rolled back to.
package reorg

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zcash/warpsync/blocksource"
	"github.com/zcash/warpsync/storage"
)

// DefaultHorizon is the nominal bound past which a detected
// divergence is treated as an unrecoverable inconsistency rather than
// an ordinary reorg (spec.md §4.5, §7 "Reorg too deep").
const DefaultHorizon = 100

// ErrTooDeep is returned when no common ancestor is found within the
// configured horizon.
var ErrTooDeep = errors.New("reorg: divergence exceeds rollback horizon")

// Handler detects and repairs reorgs against a Store.
type Handler struct {
	store   storage.Store
	source  blocksource.BlockSource
	horizon uint64
	log     *logrus.Entry
}

// New builds a Handler with DefaultHorizon. Use WithHorizon to override.
func New(store storage.Store, source blocksource.BlockSource, log *logrus.Entry) *Handler {
	return &Handler{store: store, source: source, horizon: DefaultHorizon, log: log}
}

// WithHorizon returns a copy of h using a different rollback horizon.
func (h Handler) WithHorizon(blocks uint64) *Handler {
	h.horizon = blocks
	return &h
}

// Reconcile compares the store's latest block hash against the
// source's current view at that height and, on mismatch, walks
// backwards to find a common ancestor and rolls the store back to it.
// It returns the last height the store can be trusted at -- the value
// a caller feeds straight into downloader.Stream's start parameter:
// the store's unchanged latest height (no divergence, or an empty
// store reporting 0), or the post-rollback height H* -- plus whether a
// rollback actually occurred, for callers that report it as a metric.
func (h *Handler) Reconcile(ctx context.Context) (uint64, bool, error) {
	latest, ok, err := h.store.LatestHeight(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("reorg: read latest height: %w", err)
	}
	if !ok {
		return 0, false, nil
	}

	storedHash, _, err := h.store.BlockHash(ctx, latest)
	if err != nil {
		return 0, false, fmt.Errorf("reorg: read stored hash at %d: %w", latest, err)
	}
	serverID, err := h.source.GetBlockHeader(ctx, latest)
	if err != nil {
		return 0, false, fmt.Errorf("reorg: fetch server header at %d: %w", latest, err)
	}
	if serverID.Hash == storedHash {
		return latest, false, nil
	}

	h.log.WithFields(logrus.Fields{"height": latest}).Warn("chain divergence detected, searching for common ancestor")

	ancestor, err := h.findAncestor(ctx, latest)
	if err != nil {
		return 0, false, err
	}

	h.log.WithFields(logrus.Fields{"rollback_to": ancestor}).Warn("rolling back to last common ancestor")
	if err := h.store.RollbackTo(ctx, ancestor); err != nil {
		return 0, false, fmt.Errorf("reorg: rollback to %d: %w", ancestor, err)
	}
	return ancestor, true, nil
}

// findAncestor walks backwards from latest, comparing the store's
// recorded hash at each height against the source's, until a match is
// found or the horizon is exhausted.
func (h *Handler) findAncestor(ctx context.Context, latest uint64) (uint64, error) {
	for steps := uint64(1); steps <= h.horizon; steps++ {
		if steps > latest {
			// Walked back past genesis without a match.
			return 0, fmt.Errorf("%w: no common ancestor above genesis", ErrTooDeep)
		}
		height := latest - steps

		storedHash, ok, err := h.store.BlockHash(ctx, height)
		if err != nil {
			return 0, fmt.Errorf("reorg: read stored hash at %d: %w", height, err)
		}
		if !ok {
			continue // not a checkpoint height
		}
		serverID, err := h.source.GetBlockHeader(ctx, height)
		if err != nil {
			return 0, fmt.Errorf("reorg: fetch server header at %d: %w", height, err)
		}
		if serverID.Hash == storedHash {
			return height, nil
		}
	}
	return 0, fmt.Errorf("%w: no match within %d blocks of height %d", ErrTooDeep, h.horizon, latest)
}
