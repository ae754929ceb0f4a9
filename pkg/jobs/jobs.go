// Package jobs persists job records and enforces the status state machine.
//
// Every store funnels writes through Apply, so the forward-only ordering,
// terminal states and per-stage timestamps hold regardless of backend.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"anatomesh/internal/models"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("jobs: not found")
	// ErrExists is returned by Create when the id is taken.
	ErrExists = errors.New("jobs: already exists")
	// ErrTerminal is returned when a completed or failed job is asked to move.
	ErrTerminal = errors.New("jobs: job is in a terminal state")
	// ErrBackward is returned for transitions against the forward order.
	ErrBackward = errors.New("jobs: backward transition")
	// ErrUnknownStatus is returned for transitions naming no known status.
	ErrUnknownStatus = errors.New("jobs: unknown status")
)

// Store is the job status contract shared by the coordinator and external
// request handlers.
type Store interface {
	// Create inserts a new job. Empty id, status and timestamps are filled in.
	Create(ctx context.Context, job models.Job) (models.Job, error)
	// Get returns the job, including soft-deleted ones.
	Get(ctx context.Context, id string) (models.Job, error)
	// ApplyTransition validates t against the stored job and persists the result.
	ApplyTransition(ctx context.Context, id string, t models.Transition) (models.Job, error)
	// SoftDelete flags the job as deleted without removing it.
	SoftDelete(ctx context.Context, id string) error
	Close() error
}

// NewID returns a fresh job id.
func NewID() string { return uuid.NewString() }

// prepare fills defaults on a job about to be created.
func prepare(job models.Job, now time.Time) (models.Job, error) {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if _, err := models.ParseStatus(string(job.Status)); err != nil {
		return models.Job{}, fmt.Errorf("%w: %s", ErrUnknownStatus, job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.Before(job.CreatedAt) {
		job.UpdatedAt = job.CreatedAt
	}
	job.Artifacts = job.Artifacts.Clone()
	return job, nil
}

// Apply computes the job resulting from t. The bool reports whether the
// record changed and needs to be written back.
//
// Replaying the current status is accepted: updatedAt only moves forward and
// the side message is refreshed. Terminal jobs ignore a replay of their own
// status and reject everything else.
func Apply(job models.Job, t models.Transition, now time.Time) (models.Job, bool, error) {
	to, err := models.ParseStatus(string(t.To))
	if err != nil {
		return job, false, fmt.Errorf("%w: %q", ErrUnknownStatus, t.To)
	}
	at := t.At
	if at.IsZero() {
		at = now
	}

	if job.Status.Terminal() {
		if to == job.Status {
			return job, false, nil
		}
		return job, false, fmt.Errorf("%w: %s -> %s", ErrTerminal, job.Status, to)
	}

	next := job
	next.Artifacts = job.Artifacts.Clone()
	if at.After(next.UpdatedAt) {
		next.UpdatedAt = at
	}
	if t.Message != "" {
		next.Message = t.Message
	}

	if to == job.Status {
		changed := !next.UpdatedAt.Equal(job.UpdatedAt) || next.Message != job.Message
		return next, changed, nil
	}
	if to != models.StatusFailed && to.Rank() < job.Status.Rank() {
		return job, false, fmt.Errorf("%w: %s -> %s", ErrBackward, job.Status, to)
	}

	next.Status = to
	switch to {
	case models.StatusQueued:
		if next.QueuedAt == nil {
			next.QueuedAt = timePtr(at)
		}
	case models.StatusProcessing:
		if next.StartedAt == nil {
			next.StartedAt = timePtr(at)
		}
	case models.StatusCompleted:
		next.CompletedAt = timePtr(at)
		next.Artifacts = t.Artifacts.Clone()
	case models.StatusFailed:
		next.ErrorMessage = t.Error
	}
	return next, true, nil
}

func timePtr(t time.Time) *time.Time { return &t }

func notFound(id string) error { return fmt.Errorf("job %s: %w", id, ErrNotFound) }
