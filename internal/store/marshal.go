package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/covenant/internal/canon"
)

// timeLayout is fixed-width UTC so TEXT columns compare chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// marshalDetails converts audit event details to canonical JSON TEXT.
func marshalDetails(details map[string]string) (string, error) {
	m := make(map[string]any, len(details))
	for k, v := range details {
		m[k] = v
	}
	data, err := canon.MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(data), nil
}

// unmarshalDetails parses details TEXT. An empty object yields nil so events
// round-trip to the value they were written with.
func unmarshalDetails(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	return m, nil
}

func marshalIDs(ids []string) (string, error) {
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	data, err := canon.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal ids: %w", err)
	}
	return string(data), nil
}

func unmarshalIDs(data string) ([]string, error) {
	ids := []string{}
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal ids: %w", err)
	}
	return ids, nil
}
