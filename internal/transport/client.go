package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// CallDeadline is the fixed deadline §5 mandates for every synchronous bus
// call made through this package.
const CallDeadline = 10 * time.Second

// Dial opens a client connection to a platform gRPC service at target,
// defaulting every call to the JSON codec registered by this package. The
// connection is plaintext: host-link and inventory/LED traffic runs over
// the BMC's internal loopback/unix-domain fabric, not a routed network.
func Dial(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", target, err)
	}
	return conn, nil
}

// Invoke calls method on conn with a fresh CallDeadline-bounded context
// derived from ctx, marshaling req and unmarshaling into resp via the JSON
// codec. It is the generic unary-call primitive both the host-link and
// facade gRPC clients build on; neither needs a protoc-generated stub.
func Invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, CallDeadline)
	defer cancel()
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("transport: invoke %s: %w", method, err)
	}
	return nil
}
