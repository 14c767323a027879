package controlplane

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// tokenHolder guards the bearer token swapped in by the session-keeper
// after every enrollment and renewal.
type tokenHolder struct {
	v atomic.Pointer[string]
}

func newTokenHolder() *tokenHolder {
	h := &tokenHolder{}
	empty := ""
	h.v.Store(&empty)
	return h
}

func (h *tokenHolder) Set(token string) {
	h.v.Store(&token)
}

func (h *tokenHolder) Get() string {
	return *h.v.Load()
}

// authInterceptor attaches the current bearer token to every outgoing
// unary call's metadata, mirroring the server-side interceptor pattern
// used elsewhere in this codebase but turned around for client use.
func authInterceptor(holder *tokenHolder) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(withAuth(ctx, holder), method, req, reply, cc, opts...)
	}
}

// streamAuthInterceptor does the same for the SBOM upload's
// client-streaming call.
func streamAuthInterceptor(holder *tokenHolder) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(withAuth(ctx, holder), desc, cc, method, opts...)
	}
}

func withAuth(ctx context.Context, holder *tokenHolder) context.Context {
	if token := holder.Get(); token != "" {
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	return ctx
}
