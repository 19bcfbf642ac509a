package observ

import (
	"encoding/json"
	"os"
	"time"
)

// Log emits one structured JSON line to stdout. Every component logs through
// here so the event stream stays machine-parseable. The caller's map is left
// untouched.
func Log(event string, kv map[string]any) {
	entry := make(map[string]any, len(kv)+2)
	for k, v := range kv {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["event"] = event
	_ = json.NewEncoder(os.Stdout).Encode(entry)
}

// LogErr logs an event carrying an error. A nil err logs the event as-is.
func LogErr(event string, err error, kv map[string]any) {
	entry := make(map[string]any, len(kv)+1)
	for k, v := range kv {
		entry[k] = v
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	Log(event, entry)
}
