package syncbridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterStateFactory(t *testing.T) {
	scheme := "statetestcustom"
	var gotSealer TokenSealer
	RegisterStateFactory(scheme, func(dsn string, sealer TokenSealer) (State, error) {
		gotSealer = sealer
		return NewMemoryState(), nil
	})
	sealer := plainSealer{}
	state, err := BuildStateFromDSN(scheme+"://example", sealer)
	if err != nil {
		t.Fatalf("build state via registered factory failed: %v", err)
	}
	if state == nil {
		t.Fatalf("expected non-nil state from registered factory")
	}
	if gotSealer != sealer {
		t.Fatalf("expected the sealer to reach the factory, got %v", gotSealer)
	}
	if _, err := BuildStateFromDSN("cassandra://localhost", nil); err == nil {
		t.Fatalf("expected an unknown scheme to be rejected")
	}
}

func TestDSNPath(t *testing.T) {
	cases := map[string]string{
		"file:///var/lib/syncbridge/state.json": "/var/lib/syncbridge/state.json",
		"file:state.json":                       "state.json",
		"data/state.json":                       "data/state.json",
	}
	for dsn, want := range cases {
		got, err := dsnPath(dsn)
		if err != nil {
			t.Fatalf("dsnPath(%q) failed: %v", dsn, err)
		}
		if got != want {
			t.Fatalf("dsnPath(%q) = %q, want %q", dsn, got, want)
		}
	}
	if _, err := dsnPath("file://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for an empty file dsn, got %v", err)
	}
}

func TestRegisterEnvelopeQueueFactory(t *testing.T) {
	scheme := "envqtestcustom"
	RegisterEnvelopeQueueFactory(scheme, func(dsn string, capacity int) (EnvelopeQueue, error) {
		return NewInMemoryEnvelopeQueue(capacity), nil
	})
	queue, err := BuildEnvelopeQueueFromDSN(scheme+"://example", 17)
	if err != nil {
		t.Fatalf("build envelope queue via registered factory failed: %v", err)
	}
	if queue.Capacity() != 17 {
		t.Fatalf("expected queue capacity 17, got %d", queue.Capacity())
	}
}

func TestBuildStateFromDSN(t *testing.T) {
	if state, err := BuildStateFromDSN("", nil); err != nil || state == nil {
		t.Fatalf("expected memory state for empty dsn, got %v (err=%v)", state, err)
	}
	path := filepath.Join(t.TempDir(), "state.json")
	state, err := BuildStateFromDSN("file://"+path, nil)
	if err != nil {
		t.Fatalf("build file state failed: %v", err)
	}
	if _, ok := state.(*MemoryState); !ok {
		t.Fatalf("expected *MemoryState for file dsn, got %T", state)
	}
	pg, err := BuildStateFromDSN("postgres://localhost/syncbridge?sslmode=disable", nil)
	if err != nil {
		t.Fatalf("expected postgres state to be available without connecting, got %v", err)
	}
	if _, ok := pg.(*PostgresState); !ok {
		t.Fatalf("expected *PostgresState, got %T", pg)
	}
	if _, err := BuildStateFromDSN("mysql://localhost/syncbridge", nil); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
}

func TestBuildEnvelopeQueueFromDSN(t *testing.T) {
	queue, err := BuildEnvelopeQueueFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected capacity 7, got %d", queue.Capacity())
	}
	if _, err := BuildEnvelopeQueueFromDSN("kafka://localhost:9092", 10); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for kafka queue, got %v", err)
	}
}

func TestFileEnvelopeQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envelope-queue.json")
	queue, err := NewFileEnvelopeQueue(path, 4)
	if err != nil {
		t.Fatalf("new file envelope queue failed: %v", err)
	}
	if !queue.TryEnqueue(Envelope{ID: "env_1", Provider: ProviderQuickBooks}) || !queue.TryEnqueue(Envelope{ID: "env_2", Provider: ProviderQuickBooks}) {
		t.Fatalf("expected enqueue to succeed")
	}
	if queue.TryEnqueue(Envelope{}) {
		t.Fatalf("expected enqueue without id to be refused")
	}

	reopened, err := NewFileEnvelopeQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file envelope queue failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.ID != "env_1" {
		t.Fatalf("expected first dequeued envelope env_1, got %+v (ok=%v)", first, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.ID != "env_2" {
		t.Fatalf("expected second dequeued envelope env_2, got %+v (ok=%v)", second, ok)
	}
}

func TestFileEnvelopeQueueCapacityAndTimeout(t *testing.T) {
	queue, err := NewFileEnvelopeQueue(filepath.Join(t.TempDir(), "capacity.json"), 1)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if !queue.TryEnqueue(Envelope{ID: "env_cap_1"}) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(Envelope{ID: "env_cap_2"}) {
		t.Fatalf("expected second enqueue to fail at capacity")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected first dequeue to succeed")
	}
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to time out when queue is empty")
	}
}
