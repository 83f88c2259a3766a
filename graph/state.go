// Package graph is the media workflow orchestrator: a planner, decider,
// executor, reporter state machine over resumable sessions.
package graph

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a session's lifecycle state. Transitions are monotonic
// except executing→executing; completed and failed are terminal.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ItemStatus is a plan item's lifecycle state.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ArtifactKind classifies a produced output by media type.
type ArtifactKind string

const (
	ArtifactImage    ArtifactKind = "image"
	ArtifactVideo    ArtifactKind = "video"
	ArtifactAudio    ArtifactKind = "audio"
	ArtifactDocument ArtifactKind = "document"
	ArtifactUnknown  ArtifactKind = "unknown"
)

// KindFromPath derives the artifact kind from the file extension.
func KindFromPath(path string) ArtifactKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".webp":
		return ArtifactImage
	case ".mp4", ".gif", ".webm":
		return ArtifactVideo
	case ".wav", ".mp3", ".ogg":
		return ArtifactAudio
	case ".txt", ".json", ".srt":
		return ArtifactDocument
	}
	return ArtifactUnknown
}

// Severity grades an error record.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// User is the caller context a session runs on behalf of.
type User struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Channel string `json:"channel,omitempty"`
}

// PlanItem is one unit of work in a session's plan.
type PlanItem struct {
	ID         string                 `json:"id"`
	Action     string                 `json:"action"`
	Params     map[string]interface{} `json:"params,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	Status     ItemStatus             `json:"status"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`

	// EstimatedSeconds is the template's duration hint, informational.
	EstimatedSeconds int  `json:"estimated_seconds,omitempty"`
	RequiresGPU      bool `json:"requires_gpu,omitempty"`

	// Priority orders runnable candidates; lower runs first.
	Priority int `json:"priority,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Retryable reports whether a failed item still has retry slots.
func (p *PlanItem) Retryable() bool {
	return p.Status == ItemFailed && p.RetryCount < p.MaxRetries
}

// Artifact is an immutable produced output, identified by its path.
type Artifact struct {
	ID        string       `json:"id"`
	Path      string       `json:"path"`
	Kind      ArtifactKind `json:"kind"`
	ItemID    string       `json:"item_id,omitempty"`
	SizeBytes int64        `json:"size_bytes,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ErrorRecord is one failure observation attached to the session.
type ErrorRecord struct {
	ID        string                 `json:"id"`
	ItemID    string                 `json:"item_id,omitempty"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Session is one orchestrator run: the goal, its plan, and everything
// produced while executing it. It serializes to the checkpoint journal
// as a flat key map, so every field must survive a JSON round-trip.
type Session struct {
	ID          string                 `json:"session_id"`
	User        User                   `json:"user"`
	Goal        string                 `json:"goal"`
	Plan        []PlanItem             `json:"plan"`
	CurrentStep int                    `json:"current_step"`
	Status      Status                 `json:"status"`
	RetryBudget int                    `json:"retry_budget"`
	UsedRetries int                    `json:"used_retries"`
	Artifacts   []Artifact             `json:"artifacts,omitempty"`
	Errors      []ErrorRecord          `json:"errors,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`

	// NextNode is where the engine re-enters on resume.
	NextNode string `json:"next_node,omitempty"`

	// NextItem is the plan item the decider selected for the executor.
	NextItem string `json:"next_item,omitempty"`

	// Summary is the reporter's rendered banner, set on termination.
	Summary string `json:"summary,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a session in planning state. An empty id gets a
// generated UUID.
func NewSession(id, goal string, user User, retryBudget int) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		User:        user,
		Goal:        goal,
		Status:      StatusPlanning,
		RetryBudget: retryBudget,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ItemByID finds a plan item, or nil.
func (s *Session) ItemByID(id string) *PlanItem {
	for i := range s.Plan {
		if s.Plan[i].ID == id {
			return &s.Plan[i]
		}
	}
	return nil
}

// AddError appends an error record; a critical record forces the
// session into failed status.
func (s *Session) AddError(itemID string, severity Severity, message string, detail map[string]interface{}) {
	s.Errors = append(s.Errors, ErrorRecord{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Severity:  severity,
		Message:   message,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	if severity == SeverityCritical {
		s.Status = StatusFailed
	}
}

// AddArtifact records a produced output, deriving the kind from the
// path when not supplied.
func (s *Session) AddArtifact(path, itemID string, kind ArtifactKind) {
	if kind == "" {
		kind = KindFromPath(path)
	}
	s.Artifacts = append(s.Artifacts, Artifact{
		ID:        uuid.NewString(),
		Path:      path,
		Kind:      kind,
		ItemID:    itemID,
		CreatedAt: time.Now().UTC(),
	})
}

// DepsCompleted reports whether every dependency of item is completed.
func (s *Session) DepsCompleted(item *PlanItem) bool {
	for _, dep := range item.DependsOn {
		d := s.ItemByID(dep)
		if d == nil || d.Status != ItemCompleted {
			return false
		}
	}
	return true
}

// RunningGPU counts currently running items that require GPU.
func (s *Session) RunningGPU() int {
	n := 0
	for i := range s.Plan {
		if s.Plan[i].Status == ItemRunning && s.Plan[i].RequiresGPU {
			n++
		}
	}
	return n
}

// CountByStatus tallies plan items in the given status.
func (s *Session) CountByStatus(status ItemStatus) int {
	n := 0
	for i := range s.Plan {
		if s.Plan[i].Status == status {
			n++
		}
	}
	return n
}

// failedTerminally counts failed items with no retry slots left.
func (s *Session) failedTerminally() int {
	n := 0
	for i := range s.Plan {
		if s.Plan[i].Status == ItemFailed && s.Plan[i].RetryCount >= s.Plan[i].MaxRetries {
			n++
		}
	}
	return n
}

// toMap flattens the session for the checkpoint journal.
func (s *Session) toMap() (map[string]interface{}, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal session map: %w", err)
	}
	return m, nil
}

// sessionFromMap rebuilds a session from a journal snapshot.
func sessionFromMap(m map[string]interface{}) (*Session, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal session map: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}
