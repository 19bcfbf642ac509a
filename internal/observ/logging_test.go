package observ

import (
	"errors"
	"testing"
)

func TestLogLeavesCallerMapUntouched(t *testing.T) {
	kv := map[string]any{"symbol": "BTCUSDT"}
	Log("test_event", kv)
	if len(kv) != 1 {
		t.Fatalf("caller map mutated: %v", kv)
	}
	if _, ok := kv["ts"]; ok {
		t.Fatal("ts leaked into caller map")
	}
}

func TestLogErrLeavesCallerMapUntouched(t *testing.T) {
	kv := map[string]any{"ticket": "tic/BTCUSDT/1"}
	LogErr("test_event", errors.New("boom"), kv)
	if len(kv) != 1 {
		t.Fatalf("caller map mutated: %v", kv)
	}
}

func TestLogHandlesNilMap(t *testing.T) {
	Log("test_event", nil)
	LogErr("test_event", nil, nil)
}
