package grpcx

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/consulere/booking/libs/httpx"
)

type DialOptions struct {
	Timeout time.Duration
	// TransportCredentials overrides the default insecure credentials, which
	// suit local development and in-cluster traffic behind mesh mTLS.
	TransportCredentials grpc.DialOption
}

// Dial opens a client connection with tracing and request-id propagation
// wired in. The connect attempt blocks up to the configured timeout.
func Dial(ctx context.Context, addr string, opts DialOptions, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	creds := opts.TransportCredentials
	if creds == nil {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	dialOpts := append([]grpc.DialOption{
		creds,
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(requestIDInterceptor()),
		grpc.WithBlock(),
	}, extra...)

	return grpc.DialContext(ctx, addr, dialOpts...)
}

// requestIDInterceptor copies the request id from the calling context into
// outgoing metadata. HTTP-originated ids (httpx middleware) take precedence
// over ids attached for gRPC-to-gRPC chaining.
func requestIDInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		id := httpx.RequestIDFromContext(ctx)
		if id == "" {
			id = RequestIDFromContext(ctx)
		}
		if id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, RequestIDMetadataKey, id)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
