package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor applies the gate to unary RPCs. Credentials come from the
// authorization, x-api-key and x-device-fingerprint metadata keys; the client address
// from the transport peer. Without GateOptions.Operation the full method name is the
// operation.
func (g *Gate) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := g.admitRPC(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor applies the gate once, when the stream opens.
func (g *Gate) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := g.admitRPC(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &gatedStream{ServerStream: ss, ctx: ctx})
	}
}

type gatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *gatedStream) Context() context.Context { return s.ctx }

func (g *Gate) admitRPC(ctx context.Context, fullMethod string) (context.Context, error) {
	req := Request{ClientIP: peerHost(ctx)}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		req.Authorization = firstValue(md, "authorization")
		req.APIKey = firstValue(md, strings.ToLower(HeaderAPIKey))
		req.Fingerprint = firstValue(md, strings.ToLower(HeaderFingerprint))
	}
	if g.opts.Operation == "" {
		req.Operation = fullMethod
	}

	d := g.Evaluate(ctx, req)
	if h := d.Headers(); len(h) > 0 {
		md := metadata.MD{}
		for k, v := range h {
			md.Set(strings.ToLower(k), v)
		}
		// Without a server transport stream (direct calls in tests) there is nowhere
		// to send metadata.
		if d.Allowed {
			_ = grpc.SetHeader(ctx, md)
		} else {
			_ = grpc.SetTrailer(ctx, md)
		}
	}
	if !d.Allowed {
		return ctx, status.Error(grpcCode(d.Status), d.Code)
	}
	return WithPrincipal(ctx, d.Principal), nil
}

func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func firstValue(md metadata.MD, key string) string {
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
