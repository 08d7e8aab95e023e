package operator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// Trigger is a parsed sync request. Zero Start/End mean "use the defaults";
// a non-empty BatchIDs list replaces the window entirely.
type Trigger struct {
	Start    time.Time
	End      time.Time
	BatchIDs []string
}

type triggerFields struct {
	Start    string   `json:"start"`
	End      string   `json:"end"`
	BatchIDs []string `json:"batch_ids"`
}

type triggerPayload struct {
	triggerFields
	Attributes *triggerFields `json:"attributes"`
	Message    *struct {
		Data       string         `json:"data"`
		Attributes *triggerFields `json:"attributes"`
	} `json:"message"`
}

// ParseTrigger extracts the optional window bounds and batch IDs from a
// trigger body. Events arrive in three shapes: fields at the top level,
// under "attributes", or JSON base64-encoded inside a "message.data"
// envelope. An empty body is a valid trigger with all defaults.
func ParseTrigger(body []byte) (Trigger, error) {
	if len(body) == 0 {
		return Trigger{}, nil
	}

	var payload triggerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Trigger{}, fmt.Errorf("malformed trigger payload: %v", err)
	}

	fields := payload.triggerFields
	if empty(fields) && payload.Attributes != nil {
		fields = *payload.Attributes
	}
	if empty(fields) && payload.Message != nil {
		if payload.Message.Attributes != nil {
			fields = *payload.Message.Attributes
		}
		if empty(fields) && payload.Message.Data != "" {
			decoded, err := base64.StdEncoding.DecodeString(payload.Message.Data)
			if err != nil {
				return Trigger{}, fmt.Errorf("malformed trigger message data: %v", err)
			}
			if err := json.Unmarshal(decoded, &fields); err != nil {
				return Trigger{}, fmt.Errorf("malformed trigger message data: %v", err)
			}
		}
	}

	trigger := Trigger{BatchIDs: fields.BatchIDs}
	var err error
	if fields.Start != "" {
		if trigger.Start, err = timeutil.ParseAPITime(fields.Start); err != nil {
			return Trigger{}, fmt.Errorf("bad trigger start: %v", err)
		}
	}
	if fields.End != "" {
		if trigger.End, err = timeutil.ParseAPITime(fields.End); err != nil {
			return Trigger{}, fmt.Errorf("bad trigger end: %v", err)
		}
	}
	if !trigger.Start.IsZero() && !trigger.End.IsZero() && !trigger.Start.Before(trigger.End) {
		return Trigger{}, fmt.Errorf("trigger start %s is not before end %s", trigger.Start, trigger.End)
	}
	return trigger, nil
}

func empty(f triggerFields) bool {
	return f.Start == "" && f.End == "" && len(f.BatchIDs) == 0
}
