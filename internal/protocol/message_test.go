package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEventOmitsUnsetFields(t *testing.T) {
	data, err := json.Marshal(Event{Type: TypePresence, Presence: PresenceJoin, Nick: "Ana", RoomID: "general"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	for _, unwanted := range []string{"password", "frozen", "messages", "reactions", "error"} {
		if strings.Contains(got, unwanted) {
			t.Fatalf("unexpected %q in %s", unwanted, got)
		}
	}
}

func TestFrozenFalseIsEncoded(t *testing.T) {
	frozen := false
	data, err := json.Marshal(Event{Type: TypeRoomFrozen, RoomID: "general", Frozen: &frozen})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"frozen":false`) {
		t.Fatalf("expected explicit frozen=false, got %s", data)
	}
}
