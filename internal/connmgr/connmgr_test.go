package connmgr

import (
	"fmt"
	"testing"

	"github.com/relaygate/conduit/internal/protocol"
	"github.com/relaygate/conduit/pkg/model"
)

func newRecordingClient(socket string, typ model.ClientType, sessionID string) (*Client, *[]protocol.Frame) {
	var sent []protocol.Frame
	c := &Client{
		Socket:    socket,
		Type:      typ,
		SessionID: sessionID,
		Send: func(f protocol.Frame) error {
			sent = append(sent, f)
			return nil
		},
	}
	return c, &sent
}

func TestRegisterAndClientsForSession(t *testing.T) {
	m := New()
	a, _ := newRecordingClient("sock-a", model.ClientCLI, "sess-1")
	b, _ := newRecordingClient("sock-b", model.ClientWeb, "sess-1")
	m.Register(a)
	m.Register(b)

	clients := m.ClientsForSession("sess-1")
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
}

func TestSwitchSessionMovesClientAtomically(t *testing.T) {
	m := New()
	a, _ := newRecordingClient("sock-a", model.ClientCLI, "sess-1")
	m.Register(a)

	if _, err := m.SwitchSession("sock-a", "sess-2"); err != nil {
		t.Fatalf("SwitchSession: %v", err)
	}

	if clients := m.ClientsForSession("sess-1"); len(clients) != 0 {
		t.Fatalf("expected sess-1 empty after switch, got %d", len(clients))
	}
	if clients := m.ClientsForSession("sess-2"); len(clients) != 1 {
		t.Fatalf("expected sess-2 to have 1 client, got %d", len(clients))
	}
}

func TestSwitchSessionUnknownSocket(t *testing.T) {
	m := New()
	if _, err := m.SwitchSession("ghost", "sess-2"); err == nil {
		t.Fatal("expected error for unknown socket")
	}
}

func TestBroadcastAddsFromSelfForNonTelegramClients(t *testing.T) {
	m := New()
	sender, senderSent := newRecordingClient("sock-sender", model.ClientCLI, "sess-1")
	other, otherSent := newRecordingClient("sock-other", model.ClientWeb, "sess-1")
	m.Register(sender)
	m.Register(other)

	payload := model.MessagePayload{Role: model.RoleUser, Content: "hello", MessageID: "m-1"}
	m.Broadcast("sess-1", "sock-sender", "message", payload)

	if len(*senderSent) != 1 || len(*otherSent) != 1 {
		t.Fatalf("expected both clients to receive the event")
	}
	senderView := (*senderSent)[0].Payload.(map[string]any)
	if senderView["fromSelf"] != true {
		t.Fatalf("expected sender view fromSelf=true, got %v", senderView["fromSelf"])
	}
	otherView := (*otherSent)[0].Payload.(map[string]any)
	if otherView["fromSelf"] != false {
		t.Fatalf("expected other view fromSelf=false, got %v", otherView["fromSelf"])
	}
}

func TestBroadcastPrefixesContentForTelegramNonSender(t *testing.T) {
	m := New()
	sender, _ := newRecordingClient("sock-sender", model.ClientCLI, "sess-1")
	tg, tgSent := newRecordingClient("sock-tg", model.ClientTelegram, "sess-1")
	m.Register(sender)
	m.Register(tg)

	payload := model.MessagePayload{Role: model.RoleUser, Content: "hello", MessageID: "m-1"}
	m.Broadcast("sess-1", "sock-sender", "message", payload)

	view := (*tgSent)[0].Payload.(map[string]any)
	content, _ := view["content"].(string)
	if content == "hello" {
		t.Fatalf("expected telegram non-sender content to be prefixed, got %q", content)
	}
}

func TestBroadcastPassesThroughNonMessageEvents(t *testing.T) {
	m := New()
	c, sent := newRecordingClient("sock-a", model.ClientCLI, "sess-1")
	m.Register(c)

	m.Broadcast("sess-1", "sock-a", "status", map[string]any{"status": "thinking"})

	view := (*sent)[0].Payload.(map[string]any)
	if view["status"] != "thinking" {
		t.Fatalf("expected passthrough payload, got %v", view)
	}
}

func TestBroadcastRemovesClientOnSendFailure(t *testing.T) {
	m := New()
	failing := &Client{
		Socket:    "sock-fail",
		Type:      model.ClientCLI,
		SessionID: "sess-1",
		Send:      func(protocol.Frame) error { return fmt.Errorf("boom") },
	}
	ok, okSent := newRecordingClient("sock-ok", model.ClientCLI, "sess-1")
	m.Register(failing)
	m.Register(ok)

	m.Broadcast("sess-1", "sock-ok", "status", map[string]any{"status": "ready"})

	if len(*okSent) != 1 {
		t.Fatalf("expected healthy client to receive the event")
	}
	if _, ok := m.Get("sock-fail"); ok {
		t.Fatal("expected failing client to be removed after broadcast")
	}
}
