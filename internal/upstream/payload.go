package upstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the parsed form of a message or part data column. Unknown keys
// are kept so callers can reach fields this package has no accessor for.
type Payload map[string]any

// ParsePayload never fails: malformed or empty JSON yields an empty payload.
func ParsePayload(raw string) Payload {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return Payload{}
	}
	return Payload(obj)
}

// Lookup walks nested objects by key and returns nil when any segment is
// missing or not an object.
func (p Payload) Lookup(path ...string) any {
	var cur any = map[string]any(p)
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func (p Payload) String(path ...string) string {
	switch v := p.Lookup(path...).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (p Payload) Int(path ...string) int64 {
	switch v := p.Lookup(path...).(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	default:
		return 0
	}
}

// Raw re-encodes the payload for export.
func (p Payload) Raw() json.RawMessage {
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
