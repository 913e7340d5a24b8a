package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

func TestChatWireFieldNames(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	chat := FromPopulatedChat(&store.PopulatedChat{
		ID:           "c1",
		Participants: []string{"alice", "bob"},
		Messages: []store.PopulatedMessage{{
			Message: store.Message{ID: "m1", Body: "hi", Author: "alice", Type: store.MessageTypeDirect, CreatedAt: at},
			User:    &store.UserRef{ID: 7, Username: "alice"},
		}},
		CreatedAt: at,
		UpdatedAt: at,
	})

	data, err := json.Marshal(chat)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"_id":"c1"`, `"participants"`, `"msg":"hi"`, `"msgFrom":"alice"`, `"msgDateTime"`, `"type":"direct"`, `"user":{"_id":7,"username":"alice"}`, `"createdAt"`, `"updatedAt"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("expected %s in %s", field, data)
		}
	}
}

func TestEmptyChatEncodesEmptyArrays(t *testing.T) {
	data, err := json.Marshal(FromPopulatedChat(&store.PopulatedChat{ID: "c1"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"participants":[]`) || !strings.Contains(string(data), `"messages":[]`) {
		t.Fatalf("expected empty arrays, got %s", data)
	}
}

func TestDecodeUpdate(t *testing.T) {
	wire := EncodeUpdate(core.ChatUpdate{
		Kind: core.UpdateNewParticipant,
		Chat: &store.PopulatedChat{ID: "c1", Participants: []string{"alice", "bob", "carol"}},
	})
	if wire.Type != "newParticipant" {
		t.Fatalf("unexpected wire type %q", wire.Type)
	}

	update, err := DecodeUpdate(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.Kind != core.UpdateNewParticipant || !update.Chat.HasParticipant("carol") {
		t.Fatalf("unexpected update: %+v", update)
	}

	wire.Type = "deleted"
	if _, err := DecodeUpdate(wire); !errors.Is(err, core.ErrInvalidUpdate) {
		t.Fatalf("expected ErrInvalidUpdate, got %v", err)
	}
}
