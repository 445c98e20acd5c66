package events

import (
	"encoding/json"
	"testing"
)

func TestRecipientsSurviveJSON(t *testing.T) {
	e := Event{Type: EventDepositRecorded, Payload: map[string]any{
		"client_id":     "c-1",
		"freelancer_id": "f-1",
		"amount":        int64(10),
	}}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	got := decoded.Recipients()
	if len(got) != 2 || got[0] != "c-1" || got[1] != "f-1" {
		t.Errorf("Recipients() = %v", got)
	}
}

func TestRecipientsMissing(t *testing.T) {
	if got := (Event{Payload: map[string]any{"client_id": 5}}).Recipients(); len(got) != 0 {
		t.Errorf("Recipients() = %v, want none", got)
	}
}
