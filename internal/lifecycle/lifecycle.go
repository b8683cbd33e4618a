// Package lifecycle acquires, observes and tears down the container and
// output volume of one submission.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/shipohoy"
	"pkt.systems/subexec/schema"
)

// Labels placed on every container and volume this package creates.
const (
	LabelSubmission = "subexec.submission"
	LabelRun        = "subexec.run"
	LabelQuestion   = "subexec.question"
)

// Phase is the observed liveness of a container.
type Phase int

const (
	// PhaseRunning means the container is still executing.
	PhaseRunning Phase = iota
	// PhaseExited means the container stopped or can no longer be observed.
	PhaseExited
)

func (p Phase) String() string {
	if p == PhaseRunning {
		return "running"
	}
	return "exited"
}

// Options configures a Manager.
type Options struct {
	RunID        string
	InputTarget  string
	OutputTarget string
	RemoveImage  bool
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.InputTarget == "" {
		o.InputTarget = "/input"
	}
	if o.OutputTarget == "" {
		o.OutputTarget = "/output"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Lease is an acquired container.
type Lease struct {
	Handle     shipohoy.Handle
	StartedAt  time.Time
	Reattached bool
	Volume     string
}

// Manager owns the engine resources of one submission for one invocation.
type Manager struct {
	yard    *shipohoy.Yard
	runtime shipohoy.Runtime
	opts    Options

	key      string
	image    string
	volume   string
	warnings []schema.CleanupWarning
}

// New returns a manager backed by yard.
func New(yard *shipohoy.Yard, opts Options) *Manager {
	return &Manager{
		yard:    yard,
		runtime: yard.Runtime(),
		opts:    opts.withDefaults(),
	}
}

// OutputTarget returns the in-container output directory.
func (m *Manager) OutputTarget() string { return m.opts.OutputTarget }

// VolumeName returns the output volume name for a submission.
func (m *Manager) VolumeName(id schema.SubmissionID) string {
	return m.yard.ContainerName(string(id)) + "-output"
}

// Warnings returns the cleanup failures recorded so far.
func (m *Manager) Warnings() []schema.CleanupWarning {
	return append([]schema.CleanupWarning(nil), m.warnings...)
}

func (m *Manager) warn(ctx context.Context, op, target string, err error) {
	w := schema.CleanupWarning{Op: op, Target: target, Err: err}
	pslog.Ctx(ctx).Warn("lifecycle cleanup warning", "op", op, "target", target, "err", err)
	m.warnings = append(m.warnings, w)
}

// Acquire reattaches to a running container for the submission or launches a
// new one. A declared-invalid image fails with schema.ErrImageInvalid before
// the engine is contacted. Every other failure is a *schema.LaunchError and
// leaves no container or volume behind. When the engine cannot be searched or
// a stale container cannot be removed, nothing is launched.
func (m *Manager) Acquire(ctx context.Context, sub schema.Submission, budget schema.ResourceBudget) (Lease, error) {
	if !sub.DeclaredValid() {
		return Lease{}, schema.ErrImageInvalid
	}
	name := m.yard.ContainerName(string(sub.ID))
	log := pslog.Ctx(ctx).With("container", name)
	m.key = string(sub.ID)
	image, err := schema.NormalizeImageRef(sub.Repository, sub.Digest)
	if err != nil {
		log.Warn("lifecycle acquire failed", "err", err)
		return Lease{}, &schema.LaunchError{Err: err}
	}
	m.image = image

	h, stale, err := m.yard.Reattach(ctx, m.key)
	if err != nil {
		log.Warn("lifecycle reattach failed", "err", err)
		return Lease{}, &schema.LaunchError{Err: fmt.Errorf("look up container %s: %w", name, err)}
	}
	if len(stale) > 0 {
		log.Warn("lifecycle stale container survived", "errors", len(stale))
		return Lease{}, &schema.LaunchError{Err: fmt.Errorf("remove stale container %s: %w", name, errors.Join(stale...))}
	}
	m.volume = m.VolumeName(sub.ID)
	if h != nil {
		started := m.opts.Now()
		if state, err := m.runtime.Inspect(ctx, h); err == nil && !state.StartedAt.IsZero() {
			started = state.StartedAt
		}
		log.Info("lifecycle acquire reattached", "id", h.ID(), "started_at", started.Format(time.RFC3339))
		return Lease{Handle: h, StartedAt: started, Reattached: true, Volume: m.volume}, nil
	}

	log.Info("lifecycle launch start", "image", image)
	started := m.opts.Now()
	if err := m.runtime.EnsureImage(ctx, image); err != nil {
		log.Warn("lifecycle image pull failed", "err", err)
		return Lease{}, &schema.LaunchError{Err: err}
	}
	labels := m.labels(sub)
	if _, err := m.runtime.CreateVolume(ctx, shipohoy.VolumeSpec{
		Name:    m.volume,
		Options: budget.VolumeOptions,
		Labels:  labels,
	}); err != nil {
		log.Warn("lifecycle volume create failed", "err", err)
		return Lease{}, &schema.LaunchError{Err: err}
	}
	spec := shipohoy.ContainerSpec{
		Image:           image,
		Labels:          labels,
		NetworkDisabled: true,
		ResourceCaps:    &shipohoy.ResourceCaps{MemoryBytes: budget.MemoryBytes, NanoCPUs: budget.NanoCPUs},
		Volumes:         []shipohoy.VolumeMount{{Name: m.volume, Target: m.opts.OutputTarget}},
	}
	if budget.StorageSize != "" {
		spec.StorageOpt = map[string]string{"size": budget.StorageSize}
	}
	if sub.InputDir != "" {
		spec.Mounts = []shipohoy.Mount{{Source: sub.InputDir, Target: m.opts.InputTarget, ReadOnly: true}}
	}
	h, err = m.yard.ShipOut(ctx, m.key, spec)
	if err != nil {
		log.Warn("lifecycle launch failed", "err", err)
		if rmErr := m.yard.Scuttle(ctx, m.key); rmErr != nil {
			m.warn(ctx, "remove container", m.yard.ContainerName(m.key), rmErr)
		}
		if rmErr := m.runtime.RemoveVolume(ctx, m.volume); rmErr != nil {
			m.warn(ctx, "remove volume", m.volume, rmErr)
		}
		m.volume = ""
		return Lease{}, &schema.LaunchError{Err: err}
	}
	log.Info("lifecycle launch ok", "id", h.ID())
	return Lease{Handle: h, StartedAt: started, Volume: m.volume}, nil
}

func (m *Manager) labels(sub schema.Submission) map[string]string {
	labels := map[string]string{
		LabelSubmission: string(sub.ID),
		LabelQuestion:   string(sub.Question),
	}
	if m.opts.RunID != "" {
		labels[LabelRun] = m.opts.RunID
	}
	return labels
}

// Poll reports whether the container is still running. An inspect failure
// returns PhaseExited with the error; the container may still be running.
func (m *Manager) Poll(ctx context.Context, h shipohoy.Handle) (Phase, error) {
	state, err := m.runtime.Inspect(ctx, h)
	if err != nil {
		pslog.Ctx(ctx).Warn("lifecycle poll failed", "err", err)
		return PhaseExited, err
	}
	if state.Running {
		return PhaseRunning, nil
	}
	return PhaseExited, nil
}

// Terminate stops the container.
func (m *Manager) Terminate(ctx context.Context, h shipohoy.Handle) error {
	log := pslog.Ctx(ctx)
	log.Info("lifecycle terminate start")
	if err := m.runtime.Stop(ctx, h); err != nil {
		log.Warn("lifecycle terminate failed", "err", err)
		return err
	}
	log.Info("lifecycle terminate ok")
	return nil
}

// Extract copies the output directory out of the container into dst. On
// failure the container is stopped and a *schema.CopyError is returned.
func (m *Manager) Extract(ctx context.Context, h shipohoy.Handle, dst string) error {
	log := pslog.Ctx(ctx).With("dst", dst)
	log.Info("lifecycle extract start")
	err := m.extract(ctx, h, dst)
	if err != nil {
		log.Warn("lifecycle extract failed", "err", err)
		if stopErr := m.runtime.Stop(ctx, h); stopErr != nil {
			log.Warn("lifecycle extract stop failed", "err", stopErr)
		}
		return &schema.CopyError{Err: err}
	}
	log.Info("lifecycle extract ok")
	return nil
}

func (m *Manager) extract(ctx context.Context, h shipohoy.Handle, dst string) error {
	if h == nil {
		return errors.New("no container")
	}
	rc, err := m.runtime.CopyFrom(ctx, h, m.opts.OutputTarget)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	return untar(rc, dst)
}

// Dispose removes the container. Failure is recorded as a warning.
func (m *Manager) Dispose(ctx context.Context) {
	if m.key == "" {
		return
	}
	if err := m.yard.Discharge(ctx, m.key); err != nil {
		m.warn(ctx, "remove container", m.yard.ContainerName(m.key), err)
	}
}

// Cleanup removes the output volume and, when configured, the image. Each
// failure is recorded as a warning.
func (m *Manager) Cleanup(ctx context.Context) {
	if m.volume != "" {
		if err := m.runtime.RemoveVolume(ctx, m.volume); err != nil {
			m.warn(ctx, "remove volume", m.volume, err)
		}
	}
	if m.opts.RemoveImage && m.image != "" {
		if err := m.runtime.RemoveImage(ctx, m.image); err != nil {
			m.warn(ctx, "remove image", m.image, err)
		}
	}
}

// String describes the manager for logs.
func (m *Manager) String() string {
	return fmt.Sprintf("lifecycle(%s)", m.yard.ContainerName(m.key))
}
