package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Research status values. Transitions are forward-only:
// running -> completed or running -> failed.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Stage status values.
const (
	StagePending    = "pending"
	StageInProgress = "in-progress"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// Stage is one named phase of a research run, tracked inside the record.
type Stage struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// InitialStages returns the three pipeline stages, all pending.
func InitialStages() []Stage {
	return []Stage{
		{Name: "Analyzing Query", Status: StagePending},
		{Name: "Generating Research", Status: StagePending},
		{Name: "Finalizing Results", Status: StagePending},
	}
}

// Cost holds provider token usage and the derived charge for one run.
type Cost struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	PromptCost       float64 `json:"promptCost"`
	CompletionCost   float64 `json:"completionCost"`
	TotalCost        float64 `json:"totalCost"`
}

// Research is one submitted query and its full lifecycle state.
// Tags is nil when no tags were persisted (rendered as "N/A" by
// consumers), which is distinct from an explicit empty list.
type Research struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Title        string    `json:"title,omitempty"`
	Content      string    `json:"content,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	CurrentStage string    `json:"currentStage,omitempty"`
	Stages       []Stage   `json:"stages"`
	Cost         *Cost     `json:"cost,omitempty"`
	Stars        int       `json:"stars"`
	StarredBy    []string  `json:"starredBy,omitempty"`
	CreatedAt    time.Time `json:"timestamp"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ResearchPatch is a partial update applied to a research record.
// Nil fields are left untouched. The record's updated_at is always bumped.
type ResearchPatch struct {
	Status       *string
	Progress     *int
	CurrentStage *string
	Stages       []Stage
	Title        *string
	Content      *string
	Tags         []string
	Cost         *Cost
}

// Job is one queued unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
