package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

func startNATS(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("new nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

// chanPublisher records updates delivered by the bus.
type chanPublisher chan core.ChatUpdate

func (c chanPublisher) Publish(_ context.Context, update core.ChatUpdate) error {
	c <- update
	return nil
}

func waitUpdate(t *testing.T, ch chanPublisher) core.ChatUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("no update received")
		return core.ChatUpdate{}
	}
}

func TestBusFansOutAcrossInstances(t *testing.T) {
	url := startNATS(t)

	sender, err := Connect(url, "test.updates", nil)
	if err != nil {
		t.Fatalf("connect sender: %v", err)
	}
	defer sender.Close()
	receiver, err := Connect(url, "test.updates", nil)
	if err != nil {
		t.Fatalf("connect receiver: %v", err)
	}
	defer receiver.Close()

	senderLocal := make(chanPublisher, 4)
	receiverLocal := make(chanPublisher, 4)
	if err := sender.Subscribe(senderLocal); err != nil {
		t.Fatalf("subscribe sender: %v", err)
	}
	if err := receiver.Subscribe(receiverLocal); err != nil {
		t.Fatalf("subscribe receiver: %v", err)
	}

	chat := &store.PopulatedChat{ID: "c1", Participants: []string{"alice", "bob"}}
	if err := sender.Publish(context.Background(), core.ChatUpdate{Kind: core.UpdateCreated, Chat: chat}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, local := range []chanPublisher{senderLocal, receiverLocal} {
		u := waitUpdate(t, local)
		if u.Kind != core.UpdateCreated || u.Chat.ID != "c1" || !u.Chat.HasParticipant("bob") {
			t.Fatalf("unexpected update: %+v", u)
		}
	}
}

func TestBusDropsUndecodableMessages(t *testing.T) {
	url := startNATS(t)

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	bus := New(nc, "test.updates", nil)
	defer bus.Close()
	local := make(chanPublisher, 4)
	if err := bus.Subscribe(local); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := nc.Publish("test.updates.created", []byte("not json")); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	if err := nc.Publish("test.updates.deleted", []byte(`{"type":"deleted","chat":{"_id":"c1"}}`)); err != nil {
		t.Fatalf("publish unknown kind: %v", err)
	}
	chat := &store.PopulatedChat{ID: "c2", Participants: []string{"alice", "bob"}}
	if err := bus.Publish(context.Background(), core.ChatUpdate{Kind: core.UpdateNewMessage, Chat: chat}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	u := waitUpdate(t, local)
	if u.Chat.ID != "c2" || u.Kind != core.UpdateNewMessage {
		t.Fatalf("expected only the valid update, got %+v", u)
	}
}

func TestBusFeedsHub(t *testing.T) {
	url := startNATS(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := core.NewHub(nil, nil)
	go hub.Run(ctx)

	bus, err := Connect(url, "", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bus.Close()
	if err := bus.Subscribe(hub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bob := core.NewClient("b", "bob", 0)
	hub.RegisterClient(bob)
	if err := hub.Join(bob, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	chat := &store.PopulatedChat{ID: "c1", Participants: []string{"alice", "bob"}}
	if err := bus.Publish(ctx, core.ChatUpdate{Kind: core.UpdateNewMessage, Chat: chat}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-bob.Events:
		if ev.Kind != core.EventChatUpdate || ev.Update.Chat.ID != "c1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("update never reached the hub")
	}
}
