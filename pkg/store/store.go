// Package store persists work items. Backends are selected by config.StoreDriver.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"tandem/pkg/config"
)

// ErrNotFound is returned by Load when no work item has the requested id.
var ErrNotFound = errors.New("work item not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists statuses in lifecycle order.
//
//nolint:gochecknoglobals // read-only enumeration
var AllStatuses = []Status{StatusPending, StatusInProgress, StatusInReview, StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type TaskType string

const (
	TaskFeature       TaskType = "feature"
	TaskBugFix        TaskType = "bug_fix"
	TaskRefactor      TaskType = "refactor"
	TaskSelfImprove   TaskType = "self_improve"
	TaskTest          TaskType = "test"
	TaskDocumentation TaskType = "documentation"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities, lower is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// WorkItem is a unit of work tracked through the planner/executor lifecycle.
type WorkItem struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Type        TaskType       `json:"type"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	ReviewNotes string         `json:"review_notes,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// NewWorkItem creates a pending work item with a fresh id.
func NewWorkItem(title, description string, taskType TaskType, priority Priority) (*WorkItem, error) {
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	return &WorkItem{
		ID:          id,
		Title:       title,
		Description: description,
		Type:        taskType,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Transition moves the item to status, stamping start and completion times.
func (w *WorkItem) Transition(status Status) {
	now := time.Now().UTC()
	switch {
	case status == StatusInProgress && w.StartedAt == nil:
		w.StartedAt = &now
	case status.IsTerminal() && w.CompletedAt == nil:
		w.CompletedAt = &now
	}
	w.Status = status
}

// GenerateID returns an 8-character hex id (like a short git hash).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// Store is the persistence contract consumed by the coordinator and agents.
type Store interface {
	Save(ctx context.Context, item *WorkItem) error
	Load(ctx context.Context, id string) (*WorkItem, error)
	ListByStatus(ctx context.Context, status Status) ([]*WorkItem, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open resolves the configured driver to a backend.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite:
		s, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStoreDriver, cfg.Driver)
	}
}
