package model

import (
	"bytes"
	"encoding/json"
	"math"
)

// The backend is loosely typed: any scalar may arrive bare or wrapped in a
// single-element array ("done" or ["done"], 5 or [5]). These helpers
// normalize both forms.

func unwrap(raw json.RawMessage) []byte {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 || v[0] != '[' {
		return v
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil || len(items) == 0 {
		return nil
	}
	return bytes.TrimSpace(items[0])
}

// DecodeString returns the string held by raw, if any.
func DecodeString(raw json.RawMessage) (string, bool) {
	v := unwrap(raw)
	if len(v) == 0 || v[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// DecodeInt returns the integer held by raw, if any. Fractional numbers are
// truncated toward zero; numbers outside the int range are rejected.
func DecodeInt(raw json.RawMessage) (int, bool) {
	v := unwrap(raw)
	if len(v) == 0 || !(v[0] == '-' || (v[0] >= '0' && v[0] <= '9')) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < math.MinInt || f >= math.MaxInt {
		return 0, false
	}
	return int(f), true
}

// DecodeBool returns the boolean held by raw, if any. null yields false, false.
func DecodeBool(raw json.RawMessage) (bool, bool) {
	v := unwrap(raw)
	switch string(v) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// decodeObject returns the object held by raw, if any.
func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, json.RawMessage, bool) {
	v := unwrap(raw)
	if len(v) == 0 || v[0] != '{' {
		return nil, nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(v, &fields); err != nil {
		return nil, nil, false
	}
	return fields, json.RawMessage(v), true
}

func stringField(fields map[string]json.RawMessage, key string) *string {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	s, ok := DecodeString(raw)
	if !ok {
		return nil
	}
	return &s
}

func intField(fields map[string]json.RawMessage, key string) *int {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	i, ok := DecodeInt(raw)
	if !ok {
		return nil
	}
	return &i
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
