// Package topicmap resolves cloud project IDs to billing topics using the
// dataset configuration document.
package topicmap

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// DefaultTopic is the catch-all for spend on projects no dataset claims.
const DefaultTopic = "admin"

// trailingOrdinal matches the numeric suffix appended to recycled project
// IDs, e.g. "my-dataset-314159-2".
var trailingOrdinal = regexp.MustCompile(`-\d+$`)

type datasetConfig struct {
	GCP struct {
		ProjectID string `json:"projectId"`
	} `json:"gcp"`
}

// Map holds the inverted dataset config: cloud project ID to topic.
type Map struct {
	byProject map[string]string
}

// Parse builds a Map from the dataset configuration document, a JSON object
// keyed by dataset name. A dataset with no cloud project is skipped.
func Parse(doc []byte) (*Map, error) {
	var datasets map[string]datasetConfig
	if err := json.Unmarshal(doc, &datasets); err != nil {
		return nil, fmt.Errorf("error parsing dataset configuration: %v", err)
	}
	byProject := make(map[string]string, len(datasets))
	for dataset, cfg := range datasets {
		if cfg.GCP.ProjectID == "" {
			continue
		}
		byProject[cfg.GCP.ProjectID] = dataset
	}
	return &Map{byProject: byProject}, nil
}

// NewFromProjects builds a Map directly from a project-to-topic table, for
// configuration sources that are already inverted.
func NewFromProjects(byProject map[string]string) *Map {
	copied := make(map[string]string, len(byProject))
	for k, v := range byProject {
		copied[k] = v
	}
	return &Map{byProject: copied}
}

// Add maps projectID to topic, overriding any existing entry. Used to layer
// explicit configuration over the dataset document.
func (m *Map) Add(projectID, topic string) {
	m.byProject[projectID] = topic
}

// Topic resolves a cloud project ID to its topic. Recycled project IDs carry
// a trailing ordinal which is stripped before lookup; unknown projects fall
// through to DefaultTopic.
func (m *Map) Topic(projectID string) string {
	if topic, ok := m.byProject[projectID]; ok {
		return topic
	}
	stripped := trailingOrdinal.ReplaceAllString(projectID, "")
	if topic, ok := m.byProject[stripped]; ok {
		return topic
	}
	return DefaultTopic
}

// Len reports how many projects are mapped.
func (m *Map) Len() int {
	return len(m.byProject)
}
