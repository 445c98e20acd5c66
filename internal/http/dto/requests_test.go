package dto

import (
	"encoding/json"
	"testing"
)

func TestAmountAcceptsNumbersAndStrings(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{`{"amount": 5}`, "5"},
		{`{"amount": 2000000}`, "2000000"},
		{`{"amount": 1.25}`, "1.25"},
		{`{"amount": "7.5"}`, "7.5"},
	}
	for _, tt := range tests {
		var req DepositRequest
		if err := json.Unmarshal([]byte(tt.in), &req); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if req.Amount != tt.want {
			t.Errorf("%s: amount = %q, want %q", tt.in, req.Amount, tt.want)
		}
	}

	var req DepositRequest
	if err := json.Unmarshal([]byte(`{"amount": true}`), &req); err == nil {
		t.Error("boolean amount must be rejected")
	}
}
