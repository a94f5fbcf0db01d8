package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingSink) Emit(_ context.Context, _ AuditEvent) {
	s.started <- struct{}{}
	<-s.release
}

func waitForAuditEvent(t *testing.T, events <-chan AuditEvent, eventType string) AuditEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.EventType == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q audit event", eventType)
		}
	}
}

func TestEngineEmitsAuditEvents(t *testing.T) {
	_, rdb := newTestRedis(t)
	up := &mockUserProvider{}
	sink := NewChannelSink(64)

	engine, err := New().
		WithConfig(testConfig(t)).
		WithRedis(rdb).
		WithUserProvider(up).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	ctx := WithClientIP(context.Background(), "203.0.113.9")
	registerTestUser(t, engine, "alice", "correct horse battery")

	if _, err := engine.Login(ctx, "alice", "wrong password!!"); err == nil {
		t.Fatal("expected login failure")
	}
	failure := waitForAuditEvent(t, sink.Events(), "login_failure")
	if failure.Success {
		t.Fatal("login_failure event marked successful")
	}
	if failure.Error != "invalid_credentials" {
		t.Fatalf("unexpected error code %q", failure.Error)
	}
	if failure.IP != "203.0.113.9" {
		t.Fatalf("client ip not propagated, got %q", failure.IP)
	}

	if _, err := engine.Login(ctx, "alice", "correct horse battery"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	success := waitForAuditEvent(t, sink.Events(), "login_success")
	if !success.Success {
		t.Fatal("login_success event not marked successful")
	}
	if success.UserID == "" || success.SessionID == "" {
		t.Fatalf("success event missing identifiers: %+v", success)
	}
}

func TestJSONWriterSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{EventType: "login_success", UserID: "u1", Success: true})
	sink.Emit(context.Background(), AuditEvent{EventType: "logout_session", UserID: "u1", Success: true})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), buf.String())
	}
	var event AuditEvent
	if err := json.Unmarshal(lines[0], &event); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if event.EventType != "login_success" || event.UserID != "u1" {
		t.Fatalf("unexpected decoded event: %+v", event)
	}
}

func TestDispatcherDropsUnderBackpressure(t *testing.T) {
	sink := &blockingSink{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	ctx := context.Background()
	d.Emit(ctx, AuditEvent{EventType: "e1"})
	// Wait until the consumer is stuck inside the sink so the channel state
	// is deterministic.
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the first event")
	}

	d.Emit(ctx, AuditEvent{EventType: "e2"}) // fills the buffer
	d.Emit(ctx, AuditEvent{EventType: "e3"}) // dropped
	d.Emit(ctx, AuditEvent{EventType: "e4"}) // dropped

	if got := d.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherDisabledAndNilAreSafe(t *testing.T) {
	if d := newAuditDispatcher(AuditConfig{Enabled: false}, NoOpSink{}); d != nil {
		t.Fatal("disabled config must not start a dispatcher")
	}

	var d *auditDispatcher
	d.Emit(context.Background(), AuditEvent{EventType: "e"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestDispatcherCloseDrainsAndIsIdempotent(t *testing.T) {
	sink := NewChannelSink(8)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 8, DropIfFull: true}, sink)

	d.Emit(context.Background(), AuditEvent{EventType: "e1"})
	d.Emit(context.Background(), AuditEvent{EventType: "e2"})
	d.Close()
	d.Close()

	waitForAuditEvent(t, sink.Events(), "e1")
	waitForAuditEvent(t, sink.Events(), "e2")

	// Events after close are ignored without panicking.
	d.Emit(context.Background(), AuditEvent{EventType: "late"})
}
