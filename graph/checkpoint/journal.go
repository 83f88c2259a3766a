// Package checkpoint persists session state as per-session append-only
// delta journals. A journal line records only the keys that changed
// since the previous write; replaying all lines in order reconstructs
// the latest state.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// Record is one persisted delta line.
type Record struct {
	// ID is "<session>:<seq>" where seq is the session's step counter
	// at write time.
	ID string `json:"id"`

	// TS is the write time, RFC3339Nano in UTC.
	TS string `json:"ts"`

	// Delta maps the changed keys to their new values.
	Delta map[string]interface{} `json:"delta"`
}

// Journal reads and writes per-session state checkpoints.
//
// Write computes a shallow key-wise diff against the last persisted
// state and appends one delta record; an empty diff appends nothing.
// Read replays all records in order, skipping corrupt lines.
//
// A journal assumes a single writing process per session; per-session
// mutual exclusion inside the process is the implementation's job.
type Journal interface {
	// Read reconstructs the latest state for session. ok is false when
	// the session has no journal.
	Read(ctx context.Context, session string) (map[string]interface{}, bool, error)

	// Write appends the delta between state and the previously
	// persisted state. A no-change write is a no-op.
	Write(ctx context.Context, session string, state map[string]interface{}) error

	// Sessions lists the session ids with journals, sorted.
	Sessions(ctx context.Context) ([]string, error)
}

// diff returns the shallow key-wise difference from prev to next. A key
// is included when it is new or its JSON encoding changed. Key removal
// is not modeled; the live state is append-only in practice.
func diff(prev, next map[string]interface{}) map[string]interface{} {
	delta := make(map[string]interface{})
	for k, v := range next {
		old, ok := prev[k]
		if !ok || !jsonEqual(old, v) {
			delta[k] = v
		}
	}
	return delta
}

// jsonEqual compares two values by their canonical JSON encoding.
// encoding/json sorts map keys, so equal values encode identically.
func jsonEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// apply merges a delta into state in place.
func apply(state, delta map[string]interface{}) {
	for k, v := range delta {
		state[k] = v
	}
}

// seqOf extracts the session's step counter from state for the record
// id, falling back to the journal length when absent.
func seqOf(state map[string]interface{}, fallback int) int {
	switch v := state["current_step"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func nowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
