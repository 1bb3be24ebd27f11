// Package agents provides the reference planner and executor driven by the coordinator.
package agents

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tandem/pkg/store"
)

// BacklogEntry is one piece of planned work in the backlog file.
type BacklogEntry struct {
	Title       string         `yaml:"title"`
	Description string         `yaml:"description"`
	Type        store.TaskType `yaml:"type"`
	Priority    store.Priority `yaml:"priority"`
}

// Backlog is the YAML document the planner draws new work from.
//
//	tasks:
//	  - title: Add retry metrics
//	    type: feature
//	    priority: high
type Backlog struct {
	Tasks []BacklogEntry `yaml:"tasks"`
}

// LoadBacklog reads path. A missing file is an empty backlog.
func LoadBacklog(path string) (*Backlog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Backlog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backlog %s: %w", path, err)
	}

	var b Backlog
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse backlog %s: %w", path, err)
	}
	for i := range b.Tasks {
		e := &b.Tasks[i]
		if e.Title == "" {
			return nil, fmt.Errorf("backlog %s: task %d has no title", path, i)
		}
		if e.Type == "" {
			e.Type = store.TaskFeature
		}
		if e.Priority == "" {
			e.Priority = store.PriorityMedium
		}
	}
	return &b, nil
}
