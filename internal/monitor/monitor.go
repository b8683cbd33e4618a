// Package monitor checks a running submission against its resource budget.
package monitor

import (
	"context"
	"fmt"
	"time"

	units "github.com/docker/go-units"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/shipohoy"
	"pkt.systems/subexec/schema"
)

// Monitor samples one container and its output volume.
type Monitor struct {
	runtime shipohoy.Runtime
	volume  string
}

// New returns a monitor for containers writing into volume. An empty volume
// disables the disk check.
func New(runtime shipohoy.Runtime, volume string) *Monitor {
	return &Monitor{runtime: runtime, volume: volume}
}

// SampleMemory returns the current memory usage. The second result is false
// when the engine had nothing to report.
func (m *Monitor) SampleMemory(ctx context.Context, h shipohoy.Handle) (int64, bool) {
	stats, err := m.runtime.Stats(ctx, h)
	if err != nil {
		pslog.Ctx(ctx).Debug("monitor memory sample failed", "err", err)
		return 0, false
	}
	if !stats.Available {
		return 0, false
	}
	return stats.MemoryUsage, true
}

// SampleDisk returns the bytes written to the output volume.
func (m *Monitor) SampleDisk(ctx context.Context) (int64, bool) {
	if m.volume == "" {
		return 0, false
	}
	size, err := m.runtime.VolumeUsage(ctx, m.volume)
	if err != nil {
		pslog.Ctx(ctx).Debug("monitor disk sample failed", "volume", m.volume, "err", err)
		return 0, false
	}
	return size, true
}

// Check returns the first breached budget in the order memory, time, disk,
// or nil. Missing samples never count as a breach.
func (m *Monitor) Check(ctx context.Context, h shipohoy.Handle, budget schema.ResourceBudget, elapsed time.Duration) *schema.Violation {
	log := pslog.Ctx(ctx)
	if budget.MemoryBytes > 0 {
		if used, ok := m.SampleMemory(ctx, h); ok && used >= budget.MemoryBytes {
			log.Warn("monitor memory limit reached", "used", used, "limit", budget.MemoryBytes)
			return MemoryViolation(budget)
		}
	}
	if budget.Timeout > 0 && elapsed > budget.Timeout {
		log.Warn("monitor time limit reached", "elapsed", elapsed.String(), "limit", budget.Timeout.String())
		return TimeViolation(budget)
	}
	if budget.OutputCeilingBytes > 0 {
		if used, ok := m.SampleDisk(ctx); ok && used > budget.OutputCeilingBytes {
			log.Warn("monitor output size limit reached", "used", used, "limit", budget.OutputCeilingBytes)
			return DiskViolation()
		}
	}
	return nil
}

// MemoryViolation builds the memory breach reported to participants.
func MemoryViolation(budget schema.ResourceBudget) *schema.Violation {
	return &schema.Violation{
		Kind:    schema.ViolationMemory,
		Message: fmt.Sprintf("Submission memory limit of %s reached.", units.BytesSize(float64(budget.MemoryBytes))),
	}
}

// TimeViolation builds the wall-clock breach reported to participants.
func TimeViolation(budget schema.ResourceBudget) *schema.Violation {
	return &schema.Violation{
		Kind:    schema.ViolationTime,
		Message: fmt.Sprintf("Submission time limit of %dh reached.", budget.TimeoutHours()),
	}
}

// DiskViolation builds the output size breach reported to participants.
func DiskViolation() *schema.Violation {
	return &schema.Violation{
		Kind:    schema.ViolationDisk,
		Message: "Submission output file size limit reached.",
	}
}
