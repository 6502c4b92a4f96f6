// Package blocksource defines the engine's one external collaborator
// (spec.md §6): a streaming source of compact blocks. The engine
// itself never depends on a particular transport -- package
// blocksource/fake provides a deterministic in-memory implementation
// for tests, and grpc.go provides a real network-backed one.
package blocksource

import (
	"context"
	"errors"

	"github.com/zcash/warpsync/compact"
)

// ErrNotFound is returned by GetBlockHeader when the requested height
// does not exist on the source's current chain.
var ErrNotFound = errors.New("blocksource: height not found")

// BlockSource is the streaming RPC surface the downloader consumes.
type BlockSource interface {
	// GetBlockRange streams compact blocks for [start, end] in height
	// order onto the returned channel, closing it when the range is
	// exhausted or ctx is cancelled. A single error, if any, is sent
	// on the error channel before both channels close.
	GetBlockRange(ctx context.Context, start, end uint64) (<-chan compact.Block, <-chan error)

	// GetLatestBlock returns the source's current chain tip.
	GetLatestBlock(ctx context.Context) (compact.BlockID, error)

	// GetBlockHeader fetches a single block's identity by height, used
	// by the reorg handler's point-query (spec.md §4.5).
	GetBlockHeader(ctx context.Context, height uint64) (compact.BlockID, error)
}
