package types

import (
	"fmt"
	"strings"
	"time"
)

// Assignment file kinds: the tutor's original notebook (with solutions and
// hidden tests) and the redacted variant handed to students.
const (
	FileKindOriginal = "original"
	FileKindRedacted = "redacted"
)

// Assignment is one notebook assignment authored by a tutor. MaxPoints is
// computed from the notebook's scoring comments at upload/update time, never
// entered by hand.
type Assignment struct {
	ID          int64     `json:"id" meddler:"id,pk"`
	UserID      int64     `json:"userID" meddler:"user_id"`
	Name        string    `json:"name" meddler:"name"`
	Discipline  string    `json:"discipline" meddler:"discipline,zeroisnull"`
	AvailableAt time.Time `json:"availableAt" meddler:"available_at,localtime"`
	DueAt       time.Time `json:"dueAt" meddler:"due_at,localtime"`
	MaxAttempts int64     `json:"maxAttempts" meddler:"max_attempts"`
	MaxPoints   int64     `json:"maxPoints" meddler:"max_points"`
	CreatedAt   time.Time `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt   time.Time `json:"updatedAt" meddler:"updated_at,localtime"`
}

// AssignmentFile records where one stored variant of the assignment notebook
// lives in the file store.
type AssignmentFile struct {
	ID           int64  `json:"id" meddler:"id,pk"`
	AssignmentID int64  `json:"assignmentID" meddler:"assignment_id"`
	Kind         string `json:"kind" meddler:"kind"`
	Path         string `json:"path" meddler:"path"`
	Link         string `json:"link" meddler:"link"`
}

// Submission holds the grading state for one (student, assignment) pair.
// Score and Feedback are overwritten by every evaluation; Feedback lists the
// 0-based indices of substituted hidden-test cells that failed.
type Submission struct {
	ID           int64     `json:"id" meddler:"id,pk"`
	AssignmentID int64     `json:"assignmentID" meddler:"assignment_id"`
	UserID       int64     `json:"userID" meddler:"user_id"`
	Score        int64     `json:"score" meddler:"score"`
	AttemptCount int64     `json:"attemptCount" meddler:"attempt_count"`
	Feedback     []int     `json:"feedback" meddler:"feedback,json"`
	CreatedAt    time.Time `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt    time.Time `json:"updatedAt" meddler:"updated_at,localtime"`
}

// SubmissionFile records where a student's uploaded notebook lives in the
// file store. A resubmission overwrites the record in place.
type SubmissionFile struct {
	ID           int64  `json:"id" meddler:"id,pk"`
	SubmissionID int64  `json:"submissionID" meddler:"submission_id"`
	AssignmentID int64  `json:"assignmentID" meddler:"assignment_id"`
	Path         string `json:"path" meddler:"path"`
	Link         string `json:"link" meddler:"link"`
}

func (asst *Assignment) Normalize(now time.Time) error {
	asst.Name = strings.TrimSpace(asst.Name)
	if asst.Name == "" {
		return fmt.Errorf("assignment name cannot be empty")
	}
	asst.Discipline = strings.TrimSpace(asst.Discipline)

	if asst.MaxAttempts < 1 {
		return fmt.Errorf("assignment must allow at least one attempt")
	}
	if asst.AvailableAt.IsZero() {
		asst.AvailableAt = now
	}
	if asst.DueAt.IsZero() {
		return fmt.Errorf("assignment must have a due time")
	}
	if !asst.DueAt.After(asst.AvailableAt) {
		return fmt.Errorf("assignment due time %v is not after its available time %v", asst.DueAt, asst.AvailableAt)
	}

	return nil
}

// OpenAt reports whether the submission window is open at the given time.
func (asst *Assignment) OpenAt(now time.Time) bool {
	return !now.Before(asst.AvailableAt) && !now.After(asst.DueAt)
}

// AttemptsLeft reports whether the submission may still be evaluated.
func (sub *Submission) AttemptsLeft(asst *Assignment) bool {
	return sub.AttemptCount < asst.MaxAttempts
}
