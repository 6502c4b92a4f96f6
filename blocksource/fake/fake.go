// Package fake is a deterministic, in-memory BlockSource, the
// equivalent for this engine of the teacher's darkside test harness:
// a test author builds a chain by hand, installs it, and drives the
// engine against it without a network.
package fake

import (
	"context"
	"sync"

	"github.com/zcash/warpsync/blocksource"
	"github.com/zcash/warpsync/compact"
)

// Source is a BlockSource backed by an in-memory slice of blocks. It
// is safe for concurrent use; StageReorg lets a test atomically swap
// the chain from some height onward to simulate a server-side reorg.
type Source struct {
	mu     sync.RWMutex
	blocks []compact.Block // indexed by height - genesisHeight
	genesisHeight uint64
}

// New builds an empty fake source whose first appended block will sit
// at genesisHeight.
func New(genesisHeight uint64) *Source {
	return &Source{genesisHeight: genesisHeight}
}

// Append adds blocks to the end of the chain, in height order.
func (s *Source) Append(blocks ...compact.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, blocks...)
}

// StageReorg truncates the chain at height (exclusive) and appends a
// replacement tail, simulating a server switching branches underneath
// a client that had already synced past the fork point.
func (s *Source) StageReorg(height uint64, replacement ...compact.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height < s.genesisHeight {
		s.blocks = nil
	} else {
		idx := height - s.genesisHeight
		if idx > uint64(len(s.blocks)) {
			idx = uint64(len(s.blocks))
		}
		s.blocks = s.blocks[:idx]
	}
	s.blocks = append(s.blocks, replacement...)
}

func (s *Source) GetBlockRange(ctx context.Context, start, end uint64) (<-chan compact.Block, <-chan error) {
	out := make(chan compact.Block, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		s.mu.RLock()
		snapshot := make([]compact.Block, len(s.blocks))
		copy(snapshot, s.blocks)
		genesis := s.genesisHeight
		s.mu.RUnlock()

		for _, b := range snapshot {
			if b.Height < start || b.Height > end {
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		_ = genesis
	}()

	return out, errs
}

func (s *Source) GetLatestBlock(ctx context.Context) (compact.BlockID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return compact.BlockID{}, blocksource.ErrNotFound
	}
	b := s.blocks[len(s.blocks)-1]
	return compact.BlockID{Height: b.Height, Hash: b.Hash}, nil
}

func (s *Source) GetBlockHeader(ctx context.Context, height uint64) (compact.BlockID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.blocks {
		if b.Height == height {
			return compact.BlockID{Height: b.Height, Hash: b.Hash}, nil
		}
	}
	return compact.BlockID{}, blocksource.ErrNotFound
}

var _ blocksource.BlockSource = (*Source)(nil)
