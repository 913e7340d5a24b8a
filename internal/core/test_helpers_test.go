package core

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/store"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func mustNoEvent(t *testing.T, ch <-chan *Event, wait time.Duration) {
	t.Helper()

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(wait):
	}
}

func startHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil, nil, opts...)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

func registered(t *testing.T, hub *Hub, id, name string) *Client {
	t.Helper()

	c := NewClient(id, name, 0)
	hub.RegisterClient(c)
	return c
}

func chatSnapshot(id string, participants ...string) *store.PopulatedChat {
	return &store.PopulatedChat{ID: id, Participants: participants}
}
