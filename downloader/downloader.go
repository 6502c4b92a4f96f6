// Package downloader implements the first pipeline stage (spec.md
// §4.1): a back-pressured stream of compact-block chunks, spam
// filtered and capped to a per-chunk output budget.
package downloader

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/zcash/warpsync/blocksource"
	"github.com/zcash/warpsync/compact"
)

// Options configures chunk sizing, spam filtering, and retry policy
// (spec.md §6 "Configuration").
type Options struct {
	// SpamThreshold is the per-tx output/action count above which
	// ciphertexts are cleared. Zero disables clearing.
	SpamThreshold int
	// ChunkOutputCap is the hard ceiling on outputs per chunk.
	ChunkOutputCap int
	// RetryAttempts bounds exponential-backoff retries of a transient
	// transport error before the stage surfaces a fatal error.
	RetryAttempts int
}

// DefaultOptions matches spec.md §6's stated defaults.
func DefaultOptions() Options {
	return Options{
		SpamThreshold:  0,
		ChunkOutputCap: 200_000,
		RetryAttempts:  10,
	}
}

// Chunk is an ordered run of compact blocks, capped so the sum of
// their (post spam-filter-preserving, pre-filter-counting) output
// counts stays under Options.ChunkOutputCap.
type Chunk struct {
	FirstHeight uint64
	LastHeight  uint64
	Blocks      []compact.Block
}

// Stream opens a streaming call against src for (start, tip] and
// yields chunks in height order on the returned channel. It retries
// transient transport errors with exponential backoff up to
// opts.RetryAttempts, resuming from the last height it successfully
// delivered; on exhaustion it sends one fatal error and closes both
// channels without touching any store (the stage has no store access
// at all -- spec.md §4.1 "surface a fatal sync error for this run
// without touching the store").
func Stream(ctx context.Context, src blocksource.BlockSource, start, tip uint64, opts Options) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 2)
	fatal := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(fatal)

		next := start + 1
		var current Chunk
		currentOutputs := 0

		flush := func() {
			if len(current.Blocks) == 0 {
				return
			}
			select {
			case chunks <- current:
			case <-ctx.Done():
			}
			current = Chunk{}
			currentOutputs = 0
		}

		attempt := func() error {
			blocks, errs := src.GetBlockRange(ctx, next, tip)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case b, ok := <-blocks:
					if !ok {
						blocks = nil
						continue
					}
					applySpamFilter(&b, opts.SpamThreshold)

					blockOutputs := 0
					for _, tx := range b.Vtx {
						blockOutputs += tx.OutputCount()
					}
					if len(current.Blocks) > 0 && currentOutputs+blockOutputs > opts.ChunkOutputCap {
						flush()
					}

					if len(current.Blocks) == 0 {
						current.FirstHeight = b.Height
					}
					current.Blocks = append(current.Blocks, b)
					current.LastHeight = b.Height
					next = b.Height + 1
					currentOutputs += blockOutputs
				case err, ok := <-errs:
					if !ok {
						errs = nil
						if blocks == nil {
							return nil
						}
						continue
					}
					if err != nil {
						return err
					}
				}
				if blocks == nil && errs == nil {
					return nil
				}
			}
		}

		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(opts.RetryAttempts))
		err := backoff.Retry(func() error {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			return attempt()
		}, backoff.WithContext(policy, ctx))

		flush()

		if err != nil {
			fatal <- fmt.Errorf("downloader: range [%d,%d] exhausted retries: %w", next, tip, err)
		}
	}()

	return chunks, fatal
}

// applySpamFilter clears ciphertexts and ephemeral keys (not
// commitments) for any transaction whose shielded output/action count
// exceeds the threshold (spec.md §4.1). Counting always uses the
// pre-filter output count, per the design notes' resolution of the
// pre-filter-vs-post-filter counting question.
func applySpamFilter(b *compact.Block, threshold int) {
	if threshold <= 0 {
		return
	}
	for i := range b.Vtx {
		tx := &b.Vtx[i]
		if tx.OutputCount() <= threshold {
			continue
		}
		for j := range tx.SaplingOutputs {
			tx.SaplingOutputs[j].EphemeralKey = [32]byte{}
			tx.SaplingOutputs[j].CipherText = [52]byte{}
		}
		for j := range tx.OrchardActions {
			tx.OrchardActions[j].EphemeralKey = [32]byte{}
			tx.OrchardActions[j].CipherText = [52]byte{}
		}
	}
}
