package ledger

import (
	"encoding/json"
	"strings"
	"unicode"
)

// SanitizeLabels copies labels, dropping entries whose value is empty or the
// literal "0", and stripping non-printable and non-ASCII bytes from the rest.
// Upstream attribute maps carry user-supplied values and occasionally embed
// control characters that break downstream JSON consumers.
func SanitizeLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if v == "" || v == "0" {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, s)
}

// SerializeLabels renders labels as a JSON object with sorted keys, the one
// canonical byte form a label set has. Keys listed in jsonKeys hold values
// that are themselves serialized JSON; those are embedded as structured
// values rather than strings so consumers don't have to double-decode.
func SerializeLabels(labels map[string]string, jsonKeys ...string) (string, error) {
	expand := make(map[string]bool, len(jsonKeys))
	for _, k := range jsonKeys {
		expand[k] = true
	}

	out := make(map[string]interface{}, len(labels))
	for k, v := range labels {
		if expand[k] {
			var structured interface{}
			if err := json.Unmarshal([]byte(v), &structured); err == nil {
				out[k] = structured
				continue
			}
		}
		out[k] = v
	}
	// encoding/json writes map keys in sorted order, which keeps the
	// serialization canonical
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseLabels decodes a serialized label object back into a map. Non-string
// values are re-serialized to their JSON text.
func ParseLabels(serialized string) (map[string]string, error) {
	if serialized == "" {
		return map[string]string{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(serialized), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
		} else {
			out[k] = string(v)
		}
	}
	return out, nil
}

// KeyValue is the expanded label form some upstream exports use.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LabelsFromPairs folds a {key, value} pair list into a map; later pairs win
// on duplicate keys.
func LabelsFromPairs(pairs []KeyValue) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		out[kv.Key] = kv.Value
	}
	return out
}
