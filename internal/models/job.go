package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploaded   Status = "uploaded"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// rank orders the forward path; failed sits outside it.
var rank = map[Status]int{
	StatusPending:    0,
	StatusUploaded:   1,
	StatusQueued:     2,
	StatusProcessing: 3,
	StatusCompleted:  4,
}

// ParseStatus resolves a status by name.
func ParseStatus(name string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := rank[s]; ok || s == StatusFailed {
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", name)
}

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank returns the position on the forward path, or -1 for failed.
func (s Status) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// Artifacts maps an artifact file name ("Result.obj", "result.zip", ...) to
// its blob key.
type Artifacts map[string]string

// Clone returns a copy of the artifact map.
func (a Artifacts) Clone() Artifacts {
	if a == nil {
		return nil
	}
	out := make(Artifacts, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Job is the persistent record of one conversion run.
type Job struct {
	ID           string     `json:"jobId"`
	UserID       string     `json:"userId"`
	Status       Status     `json:"status"`
	InputKey     string     `json:"inputKey"`
	Artifacts    Artifacts  `json:"artifacts,omitempty"`
	Message      string     `json:"message,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	QueuedAt     *time.Time `json:"queuedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	Deleted      bool       `json:"deleted,omitempty"`
}

// Transition is a requested status change with its stage payload.
type Transition struct {
	To        Status
	At        time.Time
	Message   string
	Error     string
	Artifacts Artifacts
}

// StatusView is the read side of the job status contract.
type StatusView struct {
	JobID        string            `json:"jobId"`
	Status       Status            `json:"status"`
	Message      string            `json:"message,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	QueuedAt     *time.Time        `json:"queuedAt,omitempty"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Artifacts    Artifacts         `json:"artifacts,omitempty"`
	ArtifactURLs map[string]string `json:"artifactUrls,omitempty"`
}

// View projects the job onto the status contract.
func (j Job) View() StatusView {
	return StatusView{
		JobID:        j.ID,
		Status:       j.Status,
		Message:      j.Message,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		QueuedAt:     j.QueuedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		UpdatedAt:    j.UpdatedAt,
		Artifacts:    j.Artifacts.Clone(),
	}
}
