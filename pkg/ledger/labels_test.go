package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeLabels(t *testing.T) {
	got := SanitizeLabels(map[string]string{
		"batch_id":  "42",
		"empty":     "",
		"zero":      "0",
		"kept-zero": "0.0",
		"control":   "a\x00b\tc",
		"unicode":   "café",
	})
	assert.Equal(t, map[string]string{
		"batch_id":  "42",
		"kept-zero": "0.0",
		"control":   "abc",
		"unicode":   "caf",
	}, got)
}

func TestSerializeLabelsSortsKeys(t *testing.T) {
	serialized, err := SerializeLabels(map[string]string{
		"zulu":  "z",
		"alpha": "a",
		"mike":  "m",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","mike":"m","zulu":"z"}`, serialized)
}

func TestSerializeLabelsExpandsJSONKeys(t *testing.T) {
	serialized, err := SerializeLabels(map[string]string{
		"resources": `{"cpu":1,"memory":"standard"}`,
		"name":      "align",
	}, "resources")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"align","resources":{"cpu":1,"memory":"standard"}}`, serialized)
}

func TestSerializeLabelsExpandNonJSONFallsBack(t *testing.T) {
	serialized, err := SerializeLabels(map[string]string{"resources": "not json"}, "resources")
	require.NoError(t, err)
	assert.Equal(t, `{"resources":"not json"}`, serialized)
}

func TestParseLabelsRoundTrip(t *testing.T) {
	in := map[string]string{"batch_id": "42", "dataset": "alpha"}
	serialized, err := SerializeLabels(in)
	require.NoError(t, err)

	out, err := ParseLabels(serialized)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseLabelsNonStringValues(t *testing.T) {
	out, err := ParseLabels(`{"proportion":0.7,"dataset":"alpha"}`)
	require.NoError(t, err)
	assert.Equal(t, "0.7", out["proportion"])
	assert.Equal(t, "alpha", out["dataset"])
}

func TestParseLabelsEmpty(t *testing.T) {
	out, err := ParseLabels("")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLabelsFromPairs(t *testing.T) {
	got := LabelsFromPairs([]KeyValue{
		{Key: "env", Value: "prod"},
		{Key: "team", Value: "core"},
		{Key: "env", Value: "main"},
	})
	assert.Equal(t, map[string]string{"env": "main", "team": "core"}, got)
}
