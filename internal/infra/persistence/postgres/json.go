package postgres

import (
	"fmt"

	json "github.com/goccy/go-json"
)

func encodeJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("json payload invalid")
	}
	return raw, nil
}

func decodeJSON(raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}
