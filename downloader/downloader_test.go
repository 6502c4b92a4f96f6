package downloader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zcash/warpsync/compact"
)

type staticSource struct {
	blocks []compact.Block
	err    error
}

func (s *staticSource) GetBlockRange(ctx context.Context, start, end uint64) (<-chan compact.Block, <-chan error) {
	out := make(chan compact.Block, len(s.blocks))
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, b := range s.blocks {
			if b.Height < start || b.Height > end {
				continue
			}
			out <- b
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return out, errs
}

func (s *staticSource) GetLatestBlock(ctx context.Context) (compact.BlockID, error) {
	return compact.BlockID{}, nil
}

func (s *staticSource) GetBlockHeader(ctx context.Context, height uint64) (compact.BlockID, error) {
	return compact.BlockID{}, nil
}

func txWithOutputs(n int) compact.Tx {
	return compact.Tx{SaplingOutputs: make([]compact.Output, n)}
}

func TestSpamFilterClearsOverThresholdOutputs(t *testing.T) {
	b := compact.Block{Height: 1, Vtx: []compact.Tx{txWithOutputs(5)}}
	b.Vtx[0].SaplingOutputs[2].CipherText[0] = 0xFF
	b.Vtx[0].SaplingOutputs[2].Cmu[0] = 0xAA

	applySpamFilter(&b, 3)

	if b.Vtx[0].SaplingOutputs[2].CipherText[0] != 0 {
		t.Fatalf("ciphertext should have been cleared")
	}
	if b.Vtx[0].SaplingOutputs[2].Cmu[0] != 0xAA {
		t.Fatalf("commitment must be preserved by the spam filter")
	}
	if b.Vtx[0].OutputCount() != 5 {
		t.Fatalf("output count must still be 5 after filtering, filtering never removes outputs")
	}
}

func TestSpamFilterLeavesUnderThresholdAlone(t *testing.T) {
	b := compact.Block{Height: 1, Vtx: []compact.Tx{txWithOutputs(2)}}
	b.Vtx[0].SaplingOutputs[0].CipherText[0] = 0x11
	applySpamFilter(&b, 3)
	if b.Vtx[0].SaplingOutputs[0].CipherText[0] != 0x11 {
		t.Fatalf("a transaction at or under the threshold must not be touched")
	}
}

func TestStreamSplitsChunksAtOutputCap(t *testing.T) {
	src := &staticSource{blocks: []compact.Block{
		{Height: 1, Vtx: []compact.Tx{txWithOutputs(3)}},
		{Height: 2, Vtx: []compact.Tx{txWithOutputs(3)}},
		{Height: 3, Vtx: []compact.Tx{txWithOutputs(3)}},
	}}
	opts := Options{ChunkOutputCap: 5, RetryAttempts: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	chunks, fatal := Stream(ctx, src, 0, 3, opts)
	var got []Chunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-fatal; err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if len(got[0].Blocks) != 1 {
		t.Fatalf("first chunk should flush before a second block would take its output count (6) past the cap of 5, got %d blocks", len(got[0].Blocks))
	}
	if len(got[2].Blocks) != 1 {
		t.Fatalf("trailing partial chunk should contain the remaining block, got %d", len(got[2].Blocks))
	}
}

func TestStreamSurfacesFatalAfterRetriesExhausted(t *testing.T) {
	src := &staticSource{err: errors.New("connection reset")}
	opts := Options{ChunkOutputCap: 100, RetryAttempts: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chunks, fatal := Stream(ctx, src, 0, 10, opts)
	for range chunks {
	}
	err := <-fatal
	if err == nil {
		t.Fatalf("expected a fatal error once retries are exhausted")
	}
}
