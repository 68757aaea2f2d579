//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startBus(t *testing.T) *Bus {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	bus, err := NewBus("redis://"+endpoint, zap.NewNop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestBusPublishReplay(t *testing.T) {
	bus := startBus(t)
	ctx := context.Background()

	hub := NewHub(bus, zap.NewNop())
	sink, _ := hub.Open(ctx, "conv-1")
	sink.Emit(ctx, Event{Type: TypeStart, ConversationID: "conv-1"})
	sink.Emit(ctx, Event{Type: TypeError, Data: ErrorData{Message: "one failed", Partial: true}})
	sink.Emit(ctx, Event{Type: TypeSynthesisChunk, Content: "hi"})
	sink.Emit(ctx, Event{Type: TypeComplete})

	var ids []string
	var types []Type
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := bus.Replay(rctx, "conv-1", "", func(id string, e Event) error {
		ids = append(ids, id)
		types = append(types, e.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	want := []Type{TypeStart, TypeError, TypeSynthesisChunk, TypeComplete}
	if len(types) != len(want) {
		t.Fatalf("replayed %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}

	// Resuming after the second id skips what was already seen.
	var rest []Type
	err = bus.Replay(rctx, "conv-1", ids[1], func(_ string, e Event) error {
		rest = append(rest, e.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("replay after: %v", err)
	}
	if len(rest) != 2 || rest[0] != TypeSynthesisChunk {
		t.Errorf("replay after %s = %v", ids[1], rest)
	}
}

func TestBusReplayStopsOnCancel(t *testing.T) {
	bus := startBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := bus.Replay(ctx, "never-written", "", func(string, Event) error { return nil }); err != nil {
		t.Fatalf("replay: %v", err)
	}
}
