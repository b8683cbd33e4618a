package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/subexec/schema"
)

type contextKey int

const (
	submissionKey contextKey = iota
	runKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSubmission annotates the logger with the submission id if present.
func WithSubmission(ctx context.Context, id schema.SubmissionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if id != "" {
		if current, ok := ctx.Value(submissionKey).(schema.SubmissionID); ok && current == id {
			return log
		}
		log = log.With("submission", id)
	}
	return log
}

// WithSubmissionRun annotates the logger with submission and run identifiers.
func WithSubmissionRun(ctx context.Context, id schema.SubmissionID, runID string) pslog.Logger {
	log := WithSubmission(ctx, id)
	if runID != "" {
		if current, ok := ctx.Value(runKey).(string); ok && current == runID {
			return log
		}
		log = log.With("run", runID)
	}
	return log
}

// WithQuestion annotates the logger with question and phase.
func WithQuestion(log pslog.Logger, sub schema.Submission) pslog.Logger {
	if sub.Question != "" {
		log = log.With("question", sub.Question)
	}
	return log.With("phase", sub.Phase())
}

// ContextWithSubmission stores the submission marker on the context for log de-duplication.
func ContextWithSubmission(ctx context.Context, id schema.SubmissionID) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, submissionKey, id)
}

// ContextWithRun stores the run marker on the context for log de-duplication.
func ContextWithRun(ctx context.Context, runID string) context.Context {
	if ctx == nil || runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// ContextWithRunLogger attaches the logger and submission/run markers to the context.
func ContextWithRunLogger(ctx context.Context, log pslog.Logger, id schema.SubmissionID, runID string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithRun(ContextWithSubmission(ctx, id), runID)
}
