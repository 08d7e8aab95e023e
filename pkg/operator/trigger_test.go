package operator

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrigger(t *testing.T) {
	start := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)

	envelope := base64.StdEncoding.EncodeToString([]byte(`{"start":"2024-03-10T00:00:00Z","end":"2024-03-11T00:00:00Z"}`))

	tests := map[string]struct {
		body string
		want Trigger
	}{
		"empty body": {
			body: "",
			want: Trigger{},
		},
		"empty object": {
			body: `{}`,
			want: Trigger{},
		},
		"direct fields": {
			body: `{"start":"2024-03-10T00:00:00Z","end":"2024-03-11T00:00:00Z"}`,
			want: Trigger{Start: start, End: end},
		},
		"start only": {
			body: `{"start":"2024-03-10T00:00:00"}`,
			want: Trigger{Start: start},
		},
		"attributes": {
			body: `{"attributes":{"start":"2024-03-10T00:00:00Z","end":"2024-03-11T00:00:00Z"}}`,
			want: Trigger{Start: start, End: end},
		},
		"message attributes": {
			body: `{"message":{"attributes":{"start":"2024-03-10T00:00:00Z"}}}`,
			want: Trigger{Start: start},
		},
		"message data envelope": {
			body: `{"message":{"data":"` + envelope + `"}}`,
			want: Trigger{Start: start, End: end},
		},
		"batch ids": {
			body: `{"batch_ids":["42","43"]}`,
			want: Trigger{BatchIDs: []string{"42", "43"}},
		},
		"direct fields win over attributes": {
			body: `{"start":"2024-03-10T00:00:00Z","attributes":{"start":"2020-01-01T00:00:00Z"}}`,
			want: Trigger{Start: start},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseTrigger([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTriggerErrors(t *testing.T) {
	tests := map[string]string{
		"not json":          `start=2024`,
		"bad start":         `{"start":"yesterday"}`,
		"bad end":           `{"end":"10/03/2024"}`,
		"inverted window":   `{"start":"2024-03-11T00:00:00Z","end":"2024-03-10T00:00:00Z"}`,
		"bad envelope data": `{"message":{"data":"%%%"}}`,
		"envelope not json": `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte("nope")) + `"}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTrigger([]byte(body))
			assert.Error(t, err)
		})
	}
}
