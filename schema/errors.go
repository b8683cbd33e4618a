package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrImageInvalid indicates the declared image status is INVALID.
	ErrImageInvalid = errors.New("docker image is invalid")
	// ErrInvalidSubmission indicates a malformed submission identifier.
	ErrInvalidSubmission = errors.New("invalid submission id")
	// ErrInvalidImage indicates the repository or digest cannot form a pinned reference.
	ErrInvalidImage = errors.New("invalid image reference")
	// ErrUnknownQuestion indicates no budget exists for a question category.
	ErrUnknownQuestion = errors.New("unknown question")
)

// ViolationKind names the budget that was breached.
type ViolationKind string

const (
	// ViolationMemory marks a memory budget breach.
	ViolationMemory ViolationKind = "memory"
	// ViolationTime marks a wall-clock budget breach.
	ViolationTime ViolationKind = "time"
	// ViolationDisk marks an output size breach.
	ViolationDisk ViolationKind = "disk"
)

// LaunchError reports that the engine refused to create or start the container.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	if e == nil || e.Err == nil {
		return "launch failed"
	}
	return e.Err.Error()
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Violation reports a breached resource budget. The message is participant facing.
type Violation struct {
	Kind    ViolationKind
	Message string
}

func (v *Violation) Error() string { return v.Message }

// CopyError reports a failed output extraction.
type CopyError struct {
	Err error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("Unable to copy the '/output' folder out of your container: %v", e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// OutputMissing reports that no file matched the expected pattern.
type OutputMissing struct {
	Pattern string
	Target  string
	Tree    string
}

func (e *OutputMissing) Error() string {
	msg := fmt.Sprintf("It seems error encountered while running your container and no '%s' file written to '%s' folder.", e.Pattern, e.Target)
	if e.Tree != "" {
		msg += fmt.Sprintf(" See %s for the files written.", e.Tree)
	}
	return msg
}

// CleanupWarning records a teardown step that failed after the run.
type CleanupWarning struct {
	Op     string
	Target string
	Err    error
}

func (w CleanupWarning) Error() string {
	return fmt.Sprintf("%s %s: %v", w.Op, w.Target, w.Err)
}

func (w CleanupWarning) Unwrap() error { return w.Err }
