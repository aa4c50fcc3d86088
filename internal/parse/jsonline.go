package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONParser parses line-delimited JSON objects. Scalar values become
// strings; nested objects and arrays are kept as their JSON encoding.
type JSONParser struct{}

// NewJSONParser creates a JSON-lines parser.
func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

// Format returns the wire format identifier.
func (p *JSONParser) Format() string {
	return "json"
}

// Parse unmarshals one JSON object into flat key/value pairs.
func (p *JSONParser) Parse(raw []byte) (map[string]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, &Error{Format: "json", Err: fmt.Errorf("not a JSON object")}
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &Error{Format: "json", Err: err}
	}

	out := make(map[string]string, len(data))
	for k, v := range data {
		s, ok := stringifyJSONValue(v)
		if !ok {
			continue
		}
		out[k] = s
	}
	return out, nil
}

func stringifyJSONValue(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "", false
	default:
		// Nested object or array: keep the JSON encoding.
		enc, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(enc), true
	}
}
