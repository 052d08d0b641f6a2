package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/quill/pkg/api"
)

// EncodeState serializes a workflow state for storage.
func EncodeState(st *api.WorkflowState) ([]byte, error) {
	if st == nil {
		return nil, fmt.Errorf("encode state: nil state")
	}
	return json.Marshal(st)
}

// DecodeState is the inverse of EncodeState.
func DecodeState(data []byte) (*api.WorkflowState, error) {
	if len(data) == 0 {
		return nil, ErrWorkflowNotFound
	}
	var st api.WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st.Artifacts == nil {
		st.Artifacts = map[string]any{}
	}
	return &st, nil
}

// EncodeEntry serializes a log entry for storage.
func EncodeEntry(e api.LogEntry) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry is the inverse of EncodeEntry.
func DecodeEntry(data []byte) (api.LogEntry, error) {
	var e api.LogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return api.LogEntry{}, fmt.Errorf("decode log entry: %w", err)
	}
	return e, nil
}

// NormalizeEvent round-trips ev through the storage encoding, so that the
// router sees the same value shapes (float64 numbers, []any slices) on the
// live path as it does when replaying from the log.
func NormalizeEvent(ev api.Event) (api.Event, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return api.Event{}, fmt.Errorf("normalize event: %w", err)
	}
	var out api.Event
	if err := json.Unmarshal(data, &out); err != nil {
		return api.Event{}, fmt.Errorf("normalize event: %w", err)
	}
	return out, nil
}
