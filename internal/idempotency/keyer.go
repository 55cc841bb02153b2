// Package idempotency derives deterministic keys for deduplicating
// external side effects. Two dispatches of the same workflow with the same
// canonical input inside one time window always produce the same key, so a
// retried request resolves to the original invocation instead of firing
// the effect twice.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultWindow is the dedup window: identical calls inside it share a
// key; outside it they are treated as new, intentional invocations.
const DefaultWindow = 5 * time.Minute

// Keyer derives idempotency keys.
type Keyer struct {
	Window time.Duration
}

// NewKeyer returns a Keyer with the default 5-minute window.
func NewKeyer() *Keyer { return &Keyer{Window: DefaultWindow} }

// Key computes SHA256(canonicalJSON({workflowId, input, triggeredBy,
// window})) where window = floor(now / Window).
func (k *Keyer) Key(workflowID string, input map[string]interface{}, triggeredBy string, now time.Time) string {
	window := k.Window
	if window <= 0 {
		window = DefaultWindow
	}
	envelope := map[string]interface{}{
		"workflowId":  workflowID,
		"input":       input,
		"triggeredBy": triggeredBy,
		"window":      now.Unix() / int64(window/time.Second),
	}
	sum := sha256.Sum256([]byte(CanonicalJSON(envelope)))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON serializes a value deterministically: object keys sorted
// recursively, numbers in shortest round-trip form, no whitespace.
func CanonicalJSON(v interface{}) string {
	var b strings.Builder
	writeCanonical(&b, normalize(v))
	return b.String()
}

func normalize(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, float64, map[string]interface{}, []interface{}:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func writeCanonical(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case string:
		enc, _ := json.Marshal(val)
		b.Write(enc)
	case []interface{}:
		b.WriteByte('[')
		for i, inner := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, normalize(inner))
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(key)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, normalize(val[key]))
		}
		b.WriteByte('}')
	default:
		enc, _ := json.Marshal(val)
		b.Write(enc)
	}
}
