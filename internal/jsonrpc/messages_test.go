package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessageClassification(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, "request"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, "notification"},
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{}}`, "response"},
		{"error response", `{"jsonrpc":"2.0","id":"a","error":{"code":-32601,"message":"nope"}}`, "response"},
	}
	for _, tc := range cases {
		var msg AnyMessage
		if err := json.Unmarshal([]byte(tc.raw), &msg); err != nil {
			t.Fatalf("%s: unmarshal: %v", tc.name, err)
		}
		if got := msg.Type(); got != tc.want {
			t.Fatalf("%s: got type %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestAnyMessageRejectsInvalidShapes(t *testing.T) {
	bad := []string{
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
		`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		`{"jsonrpc":"2.0","id":1}`,
	}
	for _, raw := range bad {
		var msg AnyMessage
		if err := json.Unmarshal([]byte(raw), &msg); err == nil {
			t.Fatalf("expected rejection for %s", raw)
		}
	}
}

func TestRequestIDStringAndNumber(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`42`), &id); err != nil {
		t.Fatalf("numeric id: %v", err)
	}
	if id.String() != "42" {
		t.Fatalf("got %q, want 42", id.String())
	}

	var sid RequestID
	if err := json.Unmarshal([]byte(`"abc"`), &sid); err != nil {
		t.Fatalf("string id: %v", err)
	}
	if sid.String() != "abc" {
		t.Fatalf("got %q, want abc", sid.String())
	}

	var bad RequestID
	if err := json.Unmarshal([]byte(`{"x":1}`), &bad); err == nil {
		t.Fatal("expected error for object id")
	}
}

func TestResponseIDRoundTrip(t *testing.T) {
	res, err := NewResultResponse(NewRequestID("req-1"), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var echo AnyMessage
	if err := json.Unmarshal(b, &echo); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if echo.ID.String() != "req-1" {
		t.Fatalf("id mismatch: %q", echo.ID.String())
	}
}

func TestNewNotificationHasNoID(t *testing.T) {
	note, err := NewNotification("notifications/message", map[string]any{"level": "info"})
	if err != nil {
		t.Fatalf("build notification: %v", err)
	}
	b, _ := json.Marshal(note)
	var msg AnyMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type() != "notification" {
		t.Fatalf("got %q, want notification", msg.Type())
	}
}
