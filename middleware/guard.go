package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
)

type principalContextKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal of an allowed request.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// Handler wraps next with the gate. Rejected requests never reach next.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Evaluate(r.Context(), g.httpRequest(r, remoteHost(r)))
		for k, v := range d.Headers() {
			w.Header().Set(k, v)
		}
		if !d.Allowed {
			writeError(w, d.Status, d.Code)
			return
		}

		ctx := WithPrincipal(r.Context(), d.Principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Guard returns gate middleware in the func(http.Handler) http.Handler shape used by
// most routers.
func Guard(g *Gate) func(http.Handler) http.Handler {
	return g.Handler
}

func (g *Gate) httpRequest(r *http.Request, defaultIP string) Request {
	req := Request{
		Authorization: r.Header.Get("Authorization"),
		APIKey:        r.Header.Get(HeaderAPIKey),
		ClientIP:      defaultIP,
		Fingerprint:   r.Header.Get(HeaderFingerprint),
	}
	if g.opts.ClientIPFunc != nil {
		req.ClientIP = g.opts.ClientIPFunc(r)
	}
	if g.opts.FingerprintFunc != nil {
		req.Fingerprint = g.opts.FingerprintFunc(r)
	}
	return req
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
