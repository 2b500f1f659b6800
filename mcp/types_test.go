package mcp

import (
	"encoding/json"
	"testing"
)

func TestLevelAtLeastOrdering(t *testing.T) {
	ordered := []LoggingLevel{
		LoggingLevelDebug,
		LoggingLevelInfo,
		LoggingLevelNotice,
		LoggingLevelWarning,
		LoggingLevelError,
		LoggingLevelCritical,
		LoggingLevelAlert,
		LoggingLevelEmergency,
	}
	for i, lower := range ordered {
		for j, higher := range ordered {
			got := LevelAtLeast(higher, lower)
			want := j >= i
			if got != want {
				t.Fatalf("LevelAtLeast(%s, %s) = %v, want %v", higher, lower, got, want)
			}
		}
	}
}

func TestLevelAtLeastUnknownLevels(t *testing.T) {
	if LevelAtLeast("verbose", LoggingLevelInfo) {
		t.Fatal("unknown level should compare below any floor")
	}
	if !LevelAtLeast(LoggingLevelInfo, "bogus") {
		t.Fatal("unknown floor should admit valid levels")
	}
}

func TestIsValidLoggingLevel(t *testing.T) {
	if !IsValidLoggingLevel(LoggingLevelNotice) {
		t.Fatal("notice should be valid")
	}
	if IsValidLoggingLevel("trace") {
		t.Fatal("trace is not a protocol level")
	}
}

func TestRequestKeyAcceptsStringAndNumber(t *testing.T) {
	var k RequestKey
	if err := json.Unmarshal([]byte(`"abc"`), &k); err != nil {
		t.Fatalf("string: %v", err)
	}
	if k != "abc" {
		t.Fatalf("got %q", k)
	}
	if err := json.Unmarshal([]byte(`17`), &k); err != nil {
		t.Fatalf("number: %v", err)
	}
	if k != "17" {
		t.Fatalf("got %q", k)
	}
	if err := json.Unmarshal([]byte(`[1]`), &k); err == nil {
		t.Fatal("expected error for array id")
	}
}

func TestCallToolRequestMetaProgressToken(t *testing.T) {
	raw := `{"name":"echo","arguments":{"items":["a"]},"_meta":{"progressToken":"p1"}}`
	var req CallToolRequestReceived
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Meta == nil || req.Meta.ProgressToken != "p1" {
		t.Fatalf("progress token not parsed: %+v", req.Meta)
	}
}
