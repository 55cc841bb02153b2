// Package audit provides deterministic, PII-redacting hashing of
// structured payloads so external-effect dispatches can be logged without
// persisting sensitive content.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// RedactionMarker replaces any value whose key matches the PII pattern set.
const RedactionMarker = "[REDACTED]"

// hashVersion is prepended to every digest so the algorithm can evolve
// without ambiguity in stored audit records.
const hashVersion = "v1"

// piiExactKeys are matched after lowercasing and stripping '_','-' from the key.
var piiExactKeys = map[string]struct{}{
	"password":   {},
	"secret":     {},
	"token":      {},
	"apikey":     {},
	"credential": {},
	"email":      {},
	"phone":      {},
	"address":    {},
	"ssn":        {},
	"creditcard": {},
}

// piiSuffixes are matched against the raw lowercased key.
var piiSuffixes = []string{"_secret", "_token", "_key"}

// Hasher computes redacted, canonical SHA-256 digests of payloads.
type Hasher struct{}

// NewHasher returns a Hasher. It is stateless and safe for concurrent use.
func NewHasher() *Hasher { return &Hasher{} }

// Hash redacts PII-keyed values at any depth, serializes the remaining
// structure with sorted keys, and returns a versioned hex digest. The same
// logical payload always yields the same hash regardless of map ordering.
func (h *Hasher) Hash(payload interface{}) string {
	canon := canonicalize(Redact(payload))
	sum := sha256.Sum256([]byte(canon))
	return hashVersion + ":" + hex.EncodeToString(sum[:])
}

// Redact returns a deep copy of payload with every PII-keyed value
// replaced by RedactionMarker. Structs and maps are normalized to
// map[string]interface{} via JSON round-tripping first.
func Redact(payload interface{}) interface{} {
	return redactValue(normalize(payload))
}

// SensitiveKey reports whether a field name matches the PII pattern set.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	stripped := strings.NewReplacer("_", "", "-", "").Replace(lower)
	if _, ok := piiExactKeys[stripped]; ok {
		return true
	}
	for _, suf := range piiSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

// normalize converts arbitrary payloads into the json-generic shape
// (map[string]interface{}, []interface{}, string, float64, bool, nil).
func normalize(payload interface{}) interface{} {
	switch payload.(type) {
	case nil, string, bool, float64, map[string]interface{}, []interface{}:
		return payload
	}
	// Numbers and structs go through JSON to get a uniform representation.
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("<unserializable:%s>", reflect.TypeOf(payload))
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if SensitiveKey(k) {
				out[k] = RedactionMarker
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}

// canonicalize serializes with alphabetically sorted keys so the digest is
// independent of input ordering.
func canonicalize(v interface{}) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
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
			writeCanonical(b, inner)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	default:
		enc, _ := json.Marshal(val)
		b.Write(enc)
	}
}
