// Package report turns a run outcome into the result record handed to
// downstream validation and scoring.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/subexec/schema"
)

// DefaultPath is where the result record is written.
const DefaultPath = "results.json"

// Report builds the record. Errors are joined in the order they were recorded.
func Report(errs []string, status schema.Status) schema.ResultRecord {
	return schema.ResultRecord{
		SubmissionStatus: status,
		SubmissionErrors: strings.Join(errs, "\n"),
	}
}

// Write stores the record as JSON at path, replacing any earlier record.
func Write(path string, rec schema.ResultRecord) error {
	if path == "" {
		path = DefaultPath
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// Read loads a record written by Write.
func Read(path string) (schema.ResultRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.ResultRecord{}, err
	}
	var rec schema.ResultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return schema.ResultRecord{}, fmt.Errorf("report: %s: %w", path, err)
	}
	return rec, nil
}

// Emit writes the record, prints its errors to the log and publishes it when
// a publisher is configured. Only the write can fail the call.
func Emit(ctx context.Context, path string, env Envelope, pub Publisher) error {
	log := pslog.Ctx(ctx)
	if env.SubmissionErrors != "" {
		for _, line := range strings.Split(env.SubmissionErrors, "\n") {
			log.Warn("submission error", "message", line)
		}
	}
	if err := Write(path, env.ResultRecord); err != nil {
		log.Error("report write failed", "path", path, "err", err)
		return err
	}
	log.Info("report write ok", "path", path, "status", env.SubmissionStatus)
	if pub != nil {
		if err := pub.Publish(ctx, env); err != nil {
			log.Warn("report publish failed", "err", err)
		}
	}
	return nil
}
