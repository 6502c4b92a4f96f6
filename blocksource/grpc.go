package blocksource

import (
	"context"
	"fmt"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zcash/warpsync/compact"
)

const serviceName = "warpsync.BlockSource"

var getBlockRangeDesc = grpc.StreamDesc{
	StreamName:    "GetBlockRange",
	ServerStreams: true,
}

// blockRangeRequest and blockRangeItem are wire messages for the
// GetBlockRange stream; gobCodec marshals them directly (see codec.go).
type blockRangeRequest struct {
	Start, End uint64
}

type blockRangeItem struct {
	Block *compact.Block
	Done  bool
}

// grpcSource is the network-backed BlockSource implementation.
// Client-side interceptors mirror the server-side chain the teacher
// wires up in its own gRPC listener (grpc_middleware.ChainUnaryServer
// plus grpc_prometheus, cmd/root.go) -- here applied to the calls this
// engine makes instead of the calls it serves.
type grpcSource struct {
	conn *grpc.ClientConn
}

// Dial opens a BlockSource connection. insecureNoTLS exists for local
// development and test harnesses only; production callers should pass
// a grpc.WithTransportCredentials dial option of their own in extra.
func Dial(ctx context.Context, target string, insecureNoTLS bool, extra ...grpc.DialOption) (BlockSource, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodecName)),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
			grpc_prometheus.UnaryClientInterceptor)),
		grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
			grpc_prometheus.StreamClientInterceptor)),
	}
	if insecureNoTLS {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, extra...)

	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("blocksource: dial %s: %w", target, err)
	}
	return &grpcSource{conn: conn}, nil
}

func (g *grpcSource) GetBlockRange(ctx context.Context, start, end uint64) (<-chan compact.Block, <-chan error) {
	blocks := make(chan compact.Block, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(blocks)
		defer close(errs)

		stream, err := g.conn.NewStream(ctx, &getBlockRangeDesc, "/"+serviceName+"/GetBlockRange")
		if err != nil {
			errs <- fmt.Errorf("blocksource: open stream: %w", err)
			return
		}
		if err := stream.SendMsg(&blockRangeRequest{Start: start, End: end}); err != nil {
			errs <- fmt.Errorf("blocksource: send range request: %w", err)
			return
		}
		if err := stream.CloseSend(); err != nil {
			errs <- fmt.Errorf("blocksource: close send: %w", err)
			return
		}

		for {
			var item blockRangeItem
			if err := stream.RecvMsg(&item); err != nil {
				if err.Error() == "EOF" {
					return
				}
				errs <- fmt.Errorf("blocksource: recv block: %w", err)
				return
			}
			if item.Done || item.Block == nil {
				return
			}
			select {
			case blocks <- *item.Block:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return blocks, errs
}

func (g *grpcSource) GetLatestBlock(ctx context.Context) (compact.BlockID, error) {
	var reply compact.BlockID
	if err := g.conn.Invoke(ctx, "/"+serviceName+"/GetLatestBlock", &struct{}{}, &reply,
		grpc.CallContentSubtype(gobCodecName)); err != nil {
		return compact.BlockID{}, fmt.Errorf("blocksource: GetLatestBlock: %w", err)
	}
	return reply, nil
}

func (g *grpcSource) GetBlockHeader(ctx context.Context, height uint64) (compact.BlockID, error) {
	var reply compact.BlockID
	req := struct{ Height uint64 }{Height: height}
	if err := g.conn.Invoke(ctx, "/"+serviceName+"/GetBlockHeader", &req, &reply,
		grpc.CallContentSubtype(gobCodecName)); err != nil {
		return compact.BlockID{}, fmt.Errorf("blocksource: GetBlockHeader(%d): %w", height, err)
	}
	return reply, nil
}
