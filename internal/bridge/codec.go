package bridge

import (
	"encoding/json"
	"fmt"
)

// Every payload on the wire is double-encoded: legacy peers stringify the
// object themselves and then publish through a JSON-mode broker channel,
// which encodes the resulting string again. The body is therefore a JSON
// string whose contents are the JSON object. Interoperating with unmigrated
// peers requires preserving this on both sides.

func encodeBody(v any) ([]byte, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(string(inner))
	if err != nil {
		return nil, fmt.Errorf("wrap payload: %w", err)
	}
	return body, nil
}

func decodeBody(body []byte, v any) error {
	var inner string
	if err := json.Unmarshal(body, &inner); err != nil {
		return fmt.Errorf("unwrap payload: %w", err)
	}
	if err := json.Unmarshal([]byte(inner), v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
