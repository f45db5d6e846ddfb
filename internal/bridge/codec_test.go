package bridge

import (
	"encoding/json"
	"testing"

	"github.com/S0lux/websocket-rabbitmq-demo/internal/domain"
)

func TestEncodeBodyIsDoubleEncoded(t *testing.T) {
	body, err := encodeBody(domain.RoomEvent{RoomID: "general", UserID: "alice", Status: domain.StatusJoined, InstanceID: "i-1"})
	if err != nil {
		t.Fatal(err)
	}
	// Outer layer must be a bare JSON string.
	var outer string
	if err := json.Unmarshal(body, &outer); err != nil {
		t.Fatalf("body is not a JSON string: %v (body=%s)", err, body)
	}
	var ev domain.RoomEvent
	if err := json.Unmarshal([]byte(outer), &ev); err != nil {
		t.Fatalf("inner layer is not the event object: %v", err)
	}
	if ev.RoomID != "general" || ev.Status != domain.StatusJoined {
		t.Fatalf("round trip mangled event: %+v", ev)
	}
}

func TestDecodeBodyLegacyPeerFixture(t *testing.T) {
	// Captured shape of what an unmigrated peer puts on room_events.
	body := []byte(`"{\"roomId\":\"general\",\"userId\":\"alice\",\"status\":\"joined\",\"instanceId\":\"abc123\"}"`)
	var ev domain.RoomEvent
	if err := decodeBody(body, &ev); err != nil {
		t.Fatal(err)
	}
	want := domain.RoomEvent{RoomID: "general", UserID: "alice", Status: domain.StatusJoined, InstanceID: "abc123"}
	if ev != want {
		t.Fatalf("expected %+v, got %+v", want, ev)
	}
}

func TestDecodeBodyRejectsSingleEncodedObject(t *testing.T) {
	body := []byte(`{"roomId":"general","userId":"alice","status":"joined"}`)
	var ev domain.RoomEvent
	if err := decodeBody(body, &ev); err == nil {
		t.Fatal("expected error for single-encoded body")
	}
}

func TestDecodeBodyRejectsGarbageInnerPayload(t *testing.T) {
	body := []byte(`"not json at all"`)
	var ev domain.RoomEvent
	if err := decodeBody(body, &ev); err == nil {
		t.Fatal("expected error for garbage inner payload")
	}
}
