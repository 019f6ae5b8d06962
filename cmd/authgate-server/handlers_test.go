package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/identity"
	"github.com/MrEthical07/authgate/metrics/export/prometheus"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := authgate.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Metrics.Enabled = true

	engine, err := authgate.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithSubjectProvider(identity.NewStaticProvider(
			identity.Subject{ID: "alice", Role: "admin", Active: true},
			identity.Subject{ID: "bob", Role: "member", Active: true},
			identity.Subject{ID: "carol", Role: "member", Active: false},
		)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	api, err := newServer(engine)
	if err != nil {
		t.Fatalf("newServer failed: %v", err)
	}
	srv := httptest.NewServer(api.routes(prometheus.NewPrometheusExporter(engine).Handler()))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func bearer(tok any) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok.(string)}
}

func TestServerTokenFlow(t *testing.T) {
	srv := newTestServer(t)

	status, pair := call(t, srv, http.MethodPost, "/token", map[string]string{"subject_id": "alice"}, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /token, got %d %v", status, pair)
	}

	status, who := call(t, srv, http.MethodGet, "/whoami", nil, bearer(pair["access_token"]))
	if status != http.StatusOK || who["identity"] != "user:alice" || who["role"] != "admin" {
		t.Fatalf("unexpected whoami: %d %v", status, who)
	}

	status, next := call(t, srv, http.MethodPost, "/refresh", map[string]string{"refresh_token": pair["refresh_token"].(string)}, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 from /refresh, got %d %v", status, next)
	}

	status, body := call(t, srv, http.MethodPost, "/refresh", map[string]string{"refresh_token": pair["refresh_token"].(string)}, nil)
	if status != http.StatusUnauthorized || body["error"] != authgate.CodeReused {
		t.Fatalf("expected reused refresh rejection, got %d %v", status, body)
	}

	// Reuse burns the family, including the pair that was just rotated in.
	status, body = call(t, srv, http.MethodGet, "/whoami", nil, bearer(next["access_token"]))
	if status != http.StatusUnauthorized || body["error"] != authgate.CodeRevoked {
		t.Fatalf("expected revoked access token, got %d %v", status, body)
	}
}

func TestServerRejectsUnknownAndInactiveSubjects(t *testing.T) {
	srv := newTestServer(t)

	status, body := call(t, srv, http.MethodPost, "/token", map[string]string{"subject_id": "mallory"}, nil)
	if status != http.StatusUnauthorized || body["error"] != authgate.CodeInvalid {
		t.Fatalf("expected invalid for unknown subject, got %d %v", status, body)
	}
	status, body = call(t, srv, http.MethodPost, "/token", map[string]string{"subject_id": "carol"}, nil)
	if status != http.StatusUnauthorized || body["error"] != authgate.CodeInactive {
		t.Fatalf("expected inactive, got %d %v", status, body)
	}
	status, _ = call(t, srv, http.MethodPost, "/token", map[string]string{"unknown": "x"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", status)
	}
}

func TestServerLoginThrottle(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 5; i++ {
		status, _ := call(t, srv, http.MethodPost, "/token", map[string]string{"subject_id": "bob"}, nil)
		if status != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, status)
		}
	}
	status, body := call(t, srv, http.MethodPost, "/token", map[string]string{"subject_id": "bob"}, nil)
	if status != http.StatusTooManyRequests || body["error"] != authgate.CodeRateLimited {
		t.Fatalf("expected login throttle, got %d %v", status, body)
	}
}

func TestServerAPIKeys(t *testing.T) {
	srv := newTestServer(t)

	_, bob := call(t, srv, http.MethodPost, "/token", map[string]string{"subject_id": "bob"}, nil)
	status, _ := call(t, srv, http.MethodPost, "/api-keys", map[string]any{"name": "ci"}, bearer(bob["access_token"]))
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d", status)
	}

	_, alice := call(t, srv, http.MethodPost, "/token", map[string]string{"subject_id": "alice"}, nil)
	status, key := call(t, srv, http.MethodPost, "/api-keys", map[string]any{"name": "ci", "scopes": []string{"read"}}, bearer(alice["access_token"]))
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", status, key)
	}

	status, who := call(t, srv, http.MethodGet, "/whoami", nil, map[string]string{"X-API-Key": key["secret"].(string)})
	if status != http.StatusOK || who["identity"] != "key:"+key["key_id"].(string) {
		t.Fatalf("unexpected whoami for api key: %d %v", status, who)
	}
}

func TestServerLogoutAllAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	_, pair := call(t, srv, http.MethodPost, "/token", map[string]string{"subject_id": "alice"}, nil)
	status, _ := call(t, srv, http.MethodPost, "/logout-all", nil, bearer(pair["access_token"]))
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	status, body := call(t, srv, http.MethodGet, "/whoami", nil, bearer(pair["access_token"]))
	if status != http.StatusUnauthorized || body["error"] != authgate.CodeRevoked {
		t.Fatalf("expected revoked after logout-all, got %d %v", status, body)
	}

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "authgate_subject_revoked_total 1") {
		t.Fatalf("expected subject revocation counter, got:\n%s", buf.String())
	}
}
