package schema

import (
	"strings"
	"time"
)

// SubmissionID identifies one participant submission.
type SubmissionID string

// Question identifies a challenge question category.
type Question string

// Status is the externally visible verdict of a run.
type Status string

const (
	// StatusValidated marks a run that produced the expected output cleanly.
	StatusValidated Status = "VALIDATED"
	// StatusInvalid marks a run that recorded at least one error.
	StatusInvalid Status = "INVALID"
)

// Submission is the immutable input of one invocation.
type Submission struct {
	ID          SubmissionID
	Repository  string
	Digest      string
	Question    Question
	PublicPhase bool
	InputDir    string
	ParentID    string
	ImageStatus string
	Store       bool
}

// DeclaredValid reports whether the declared image status lets the run proceed.
func (s Submission) DeclaredValid() bool {
	return !strings.EqualFold(strings.TrimSpace(s.ImageStatus), string(StatusInvalid))
}

// ImageRef returns the digest-pinned image reference.
func (s Submission) ImageRef() string {
	return strings.TrimSpace(s.Repository) + "@" + strings.TrimSpace(s.Digest)
}

// Phase returns a short label for the leaderboard phase.
func (s Submission) Phase() string {
	if s.PublicPhase {
		return "public"
	}
	return "private"
}

// ResourceBudget bounds a single run.
type ResourceBudget struct {
	MemoryBytes        int64
	NanoCPUs           int64
	Timeout            time.Duration
	OutputCeilingBytes int64
	StorageSize        string
	VolumeOptions      map[string]string
	OutputPattern      string
}

// TimeoutHours returns the wall-clock budget in whole hours.
func (b ResourceBudget) TimeoutHours() int {
	return int(b.Timeout / time.Hour)
}

// Artifacts lists files produced by a run. Empty paths were not produced.
type Artifacts struct {
	Log     string
	Tree    string
	Archive string
}

// RunResult is the terminal outcome of one invocation.
type RunResult struct {
	Status    Status
	RunID     string
	Errors    []string
	Warnings  []CleanupWarning
	Artifacts Artifacts
}

// ResultRecord is the structured hand-off to downstream validation.
type ResultRecord struct {
	SubmissionStatus Status `json:"submission_status"`
	SubmissionErrors string `json:"submission_errors"`
}
