package authgate

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func collectEvents(ch <-chan AuditEvent, n int, wait time.Duration) []AuditEvent {
	events := make([]AuditEvent, 0, n)
	timeout := time.After(wait)
	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-timeout:
			return events
		}
	}
	return events
}

func auditConfig() Config {
	cfg := testConfig()
	cfg.Audit = AuditConfig{Enabled: true, BufferSize: 32, DropIfFull: false}
	return cfg
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	sink := &countingSink{}
	e := buildTestEngine(t, testConfig(), func(b *Builder) { b.WithAuditSink(sink) })

	pair, err := e.Issue(context.Background(), Identity{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := e.Revoke(context.Background(), pair.AccessToken, "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	e.Close()

	if got := sink.count.Load(); got != 0 {
		t.Fatalf("expected no audit events, got %d", got)
	}
}

func TestAuditReuseDetectionEvents(t *testing.T) {
	sink := NewChannelSink(32)
	e := buildTestEngine(t, auditConfig(), func(b *Builder) { b.WithAuditSink(sink) })
	ctx := WithClientIP(context.Background(), "192.0.2.10")

	pair, err := e.Issue(ctx, Identity{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := e.Refresh(ctx, pair.RefreshToken, ""); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := e.Refresh(ctx, pair.RefreshToken, ""); err == nil {
		t.Fatal("expected replay to fail")
	}

	events := collectEvents(sink.Events(), 3, 2*time.Second)
	kinds := make(map[string]AuditEvent, len(events))
	for _, ev := range events {
		kinds[ev.EventType] = ev
	}

	reuse, ok := kinds["refresh_reuse_detected"]
	if !ok {
		t.Fatalf("expected refresh_reuse_detected, got %+v", events)
	}
	if reuse.SubjectID != "alice" || reuse.FamilyID != pair.SessionID || reuse.Success {
		t.Fatalf("unexpected reuse event: %+v", reuse)
	}
	if _, ok := kinds["family_revoked"]; !ok {
		t.Fatalf("expected family_revoked, got %+v", events)
	}
	failure, ok := kinds[auditEventRefreshFailure]
	if !ok {
		t.Fatalf("expected refresh_failure, got %+v", events)
	}
	if failure.Error != CodeReused || failure.IP != "192.0.2.10" {
		t.Fatalf("unexpected refresh failure event: %+v", failure)
	}
}

func TestAuditRateLimitedEvent(t *testing.T) {
	sink := NewChannelSink(8)
	e := buildTestEngine(t, auditConfig(), func(b *Builder) { b.WithAuditSink(sink) })
	ctx := WithRequestID(context.Background(), "req-42")

	for i := 0; i < 6; i++ {
		if _, err := e.Check(ctx, "ip:198.51.100.7", "login"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}

	events := collectEvents(sink.Events(), 1, 2*time.Second)
	if len(events) != 1 {
		t.Fatalf("expected one rate_limited event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != auditEventRateLimited || ev.Identity != "ip:198.51.100.7" || ev.Operation != "login" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Error != CodeRateLimited || ev.Metadata["request_id"] != "req-42" {
		t.Fatalf("unexpected event details: %+v", ev)
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditBlockedEmitHonoursContext(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	dispatcher.Emit(ctx, AuditEvent{EventType: "e3"})
	if dispatcher.Dropped() != 1 {
		t.Fatalf("expected the cancelled emit to count as dropped, got %d", dispatcher.Dropped())
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: "token_revoked",
		SubjectID: "u1",
		IP:        "127.0.0.1",
		Success:   true,
	})
	sink.Emit(context.Background(), AuditEvent{EventType: "family_revoked"})

	out := buf.String()
	if !strings.Contains(out, `"event_type":"token_revoked"`) {
		t.Fatalf("expected event type in %q", out)
	}
	if !strings.Contains(out, `"subject_id":"u1"`) {
		t.Fatalf("expected subject id in %q", out)
	}
	if n := strings.Count(out, "\n"); n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
}

func TestAuditSlogSinkAndMultiSink(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	counter := &countingSink{}
	sink := MultiSink{NewSlogSink(logger), nil, counter}

	sink.Emit(context.Background(), AuditEvent{
		EventType: "refresh_reuse_detected",
		SubjectID: "alice",
		FamilyID:  "fam-1",
		Success:   false,
		Metadata:  map[string]string{"reason": "replay"},
	})

	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"event_type":"refresh_reuse_detected"`, `"subject_id":"alice"`, `"metadata":{"reason":"replay"}`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log line, got %s", want, out)
		}
	}
	if strings.Contains(out, "token_id") {
		t.Fatalf("expected empty fields to be omitted, got %s", out)
	}
	if counter.count.Load() != 1 {
		t.Fatalf("expected fan-out to reach every sink, got %d", counter.count.Load())
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	sink := &countingSink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, sink)

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	if got := sink.count.Load(); got != 1 {
		t.Fatalf("expected the buffered event to be flushed on close, got %d", got)
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	var buf syncBuffer
	e := buildTestEngine(t, auditConfig(), func(b *Builder) { b.WithAuditSink(NewJSONWriterSink(&buf)) })
	ctx := context.Background()

	pair, err := e.Issue(ctx, Identity{SubjectID: "alice", Fingerprint: "device-secret"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := e.Refresh(ctx, pair.RefreshToken, "device-secret"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := e.Refresh(ctx, pair.RefreshToken, "device-secret"); err == nil {
		t.Fatal("expected replay to fail")
	}
	key, err := e.IssueAPIKey(ctx, APIKeyOptions{Name: "ci"})
	if err != nil {
		t.Fatalf("issue api key: %v", err)
	}
	if err := e.RevokeAPIKey(ctx, key.KeyID); err != nil {
		t.Fatalf("revoke api key: %v", err)
	}
	e.Close()

	out := buf.String()
	if out == "" {
		t.Fatal("expected audit output")
	}
	for _, secret := range []string{pair.AccessToken, pair.RefreshToken, key.Secret, "device-secret"} {
		if strings.Contains(out, secret) {
			t.Fatal("audit output contains credential material")
		}
	}
}
