// Package executor runs one submission end to end: precondition, launch,
// supervised polling, finalization and verdict.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/artifact"
	"pkt.systems/subexec/internal/budget"
	"pkt.systems/subexec/internal/collector"
	"pkt.systems/subexec/internal/lifecycle"
	"pkt.systems/subexec/internal/logcapture"
	"pkt.systems/subexec/internal/logx"
	"pkt.systems/subexec/internal/monitor"
	"pkt.systems/subexec/internal/shipohoy"
	"pkt.systems/subexec/schema"
)

// DefaultPollInterval is the supervision period.
const DefaultPollInterval = 60 * time.Second

// OutputDirName is the local directory the output is copied into.
const OutputDirName = "pred"

// State is a step of the run state machine.
type State string

const (
	// StateInit checks the submission before any engine call.
	StateInit State = "INIT"
	// StateLaunching acquires or reattaches the container.
	StateLaunching State = "LAUNCHING"
	// StateRunning supervises the container on each poll tick.
	StateRunning State = "RUNNING"
	// StateFinalizing extracts output and tears the container down.
	StateFinalizing State = "FINALIZING"
	// StateValidated is terminal: no errors and at least one matching file.
	StateValidated State = "VALIDATED"
	// StateInvalid is terminal for every other outcome.
	StateInvalid State = "INVALID"
)

// Config configures an Executor.
type Config struct {
	WorkDir      string
	PollInterval time.Duration
	NamePrefix   string
	InputTarget  string
	OutputTarget string
	RemoveImage  bool
	Logs         logcapture.Options
	Budgets      *budget.Table
	// Stores picks the artifact store for a submission. Nil discards artifacts.
	Stores func(ctx context.Context, sub schema.Submission) artifact.Store
	// Now and Wait drive supervision. Wait returns early with ctx.Err() when
	// ctx is done.
	Now  func() time.Time
	Wait func(ctx context.Context, d time.Duration) error
	// NewRunID overrides run id generation.
	NewRunID func() string
}

// Executor runs submissions against one engine.
type Executor struct {
	runtime shipohoy.Runtime
	cfg     Config
}

// New returns an executor.
func New(runtime shipohoy.Runtime, cfg Config) *Executor {
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "subexec-"
	}
	if cfg.OutputTarget == "" {
		cfg.OutputTarget = "/output"
	}
	if cfg.Budgets == nil {
		cfg.Budgets = budget.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Wait == nil {
		cfg.Wait = sleep
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	return &Executor{runtime: runtime, cfg: cfg}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type run struct {
	sub     schema.Submission
	budget  schema.ResourceBudget
	runID   string
	state   State
	errs    []string
	store   artifact.Store
	manager *lifecycle.Manager
	capture *logcapture.Capture
}

func (r *run) record(ctx context.Context, stage string, err error) {
	pslog.Ctx(ctx).Warn("executor error recorded", "state", r.state, "stage", stage, "err", err)
	r.errs = append(r.errs, err.Error())
}

func (r *run) enter(ctx context.Context, s State) {
	pslog.Ctx(ctx).Info("executor state", "from", r.state, "to", s)
	r.state = s
}

// Run executes sub. The returned error is non-nil only when the run was
// refused before any engine call; every later failure is recorded in the
// result and yields StatusInvalid.
func (e *Executor) Run(ctx context.Context, sub schema.Submission) (schema.RunResult, error) {
	r := &run{sub: sub, runID: e.cfg.NewRunID(), state: StateInit}
	log := logx.WithQuestion(logx.WithSubmissionRun(ctx, sub.ID, r.runID), sub)
	ctx = logx.ContextWithRunLogger(ctx, log, sub.ID, r.runID)

	if err := e.precondition(r); err != nil {
		log.Error("executor precondition failed", "err", err)
		return schema.RunResult{Status: schema.StatusInvalid, RunID: r.runID}, err
	}

	r.store = artifact.None{}
	if e.cfg.Stores != nil {
		if s := e.cfg.Stores(ctx, sub); s != nil {
			r.store = s
		}
	}
	yard := shipohoy.Commission(shipohoy.YardPlan{
		NamePrefix: e.cfg.NamePrefix,
		Labels:     map[string]string{lifecycle.LabelRun: r.runID},
	}, e.runtime)
	r.manager = lifecycle.New(yard, lifecycle.Options{
		RunID:        r.runID,
		InputTarget:  e.cfg.InputTarget,
		OutputTarget: e.cfg.OutputTarget,
		RemoveImage:  e.cfg.RemoveImage,
		Now:          e.cfg.Now,
	})
	logOpts := e.cfg.Logs
	logOpts.Dir = e.cfg.WorkDir
	r.capture = logcapture.New(e.runtime, r.store, sub.ID, logOpts)

	r.enter(ctx, StateLaunching)
	lease, err := r.manager.Acquire(ctx, sub, r.budget)
	var launchErr error
	if err != nil {
		launchErr = err
		r.record(ctx, "launch", err)
	} else {
		r.enter(ctx, StateRunning)
		e.supervise(ctx, r, lease)
		if err := r.capture.Collect(ctx, lease.Handle); err != nil {
			log.Warn("executor final log pull failed", "err", err)
		}
	}

	// Teardown must finish even when the caller gives up.
	fctx := context.WithoutCancel(ctx)
	r.enter(fctx, StateFinalizing)
	result := e.finalize(fctx, r, lease, launchErr)
	if result.Status == schema.StatusValidated {
		r.enter(fctx, StateValidated)
	} else {
		r.enter(fctx, StateInvalid)
	}
	return result, nil
}

func (e *Executor) precondition(r *run) error {
	if err := schema.ValidateSubmissionID(r.sub.ID); err != nil {
		return fmt.Errorf("%w: %q", err, r.sub.ID)
	}
	if !r.sub.DeclaredValid() {
		return schema.ErrImageInvalid
	}
	b, err := e.cfg.Budgets.For(r.sub.Question, r.sub.PublicPhase)
	if err != nil {
		return err
	}
	r.budget = b
	return nil
}

// supervise polls until the container exits, a budget is breached, the
// container can no longer be inspected or ctx is done. Each tick checks
// memory, time and disk, then refreshes the logs.
func (e *Executor) supervise(ctx context.Context, r *run, lease lifecycle.Lease) {
	log := pslog.Ctx(ctx)
	mon := monitor.New(e.runtime, lease.Volume)
	ticks := 0
	for {
		phase, err := r.manager.Poll(ctx, lease.Handle)
		if err != nil {
			if ctx.Err() != nil {
				r.record(ctx, "supervise", fmt.Errorf("Submission run interrupted: %w", ctx.Err()))
				return
			}
			r.record(ctx, "poll", fmt.Errorf("Unable to inspect the submission container: %w", err))
			if err := r.manager.Terminate(ctx, lease.Handle); err != nil {
				log.Warn("executor terminate failed", "err", err)
			}
			return
		}
		if phase == lifecycle.PhaseExited {
			log.Info("executor container exited", "ticks", ticks)
			return
		}
		elapsed := e.cfg.Now().Sub(lease.StartedAt)
		if v := mon.Check(ctx, lease.Handle, r.budget, elapsed); v != nil {
			r.record(ctx, string(v.Kind), v)
			if err := r.manager.Terminate(ctx, lease.Handle); err != nil {
				log.Warn("executor terminate failed", "err", err)
			}
			return
		}
		if err := r.capture.Collect(ctx, lease.Handle); err != nil {
			log.Debug("executor log pull failed", "err", err)
		}
		ticks++
		if err := e.cfg.Wait(ctx, e.cfg.PollInterval); err != nil {
			r.record(ctx, "supervise", fmt.Errorf("Submission run interrupted: %w", err))
			return
		}
	}
}

func (e *Executor) finalize(ctx context.Context, r *run, lease lifecycle.Lease, launchErr error) schema.RunResult {
	log := pslog.Ctx(ctx)
	outDir := filepath.Join(e.cfg.WorkDir, OutputDirName)
	if err := os.RemoveAll(outDir); err != nil {
		log.Warn("executor output reset failed", "dir", outDir, "err", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Warn("executor output dir failed", "dir", outDir, "err", err)
	}
	if lease.Handle != nil {
		if err := r.manager.Extract(ctx, lease.Handle, outDir); err != nil {
			r.record(ctx, "extract", err)
		}
	}
	r.manager.Dispose(ctx)

	if !r.capture.Written() {
		text := ""
		if launchErr != nil {
			text = launchErr.Error()
		}
		if err := r.capture.Persist(ctx, text); err != nil {
			log.Warn("executor log persist failed", "err", err)
		}
	}
	r.manager.Cleanup(ctx)

	collected := collector.New(r.store, e.cfg.OutputTarget).Collect(ctx, collector.Request{
		ID:        r.sub.ID,
		OutputDir: outDir,
		WorkDir:   e.cfg.WorkDir,
		Pattern:   r.budget.OutputPattern,
		HasErrors: len(r.errs) > 0,
	})
	if collected.Err != nil {
		r.record(ctx, "collect", collected.Err)
	}

	status := schema.StatusInvalid
	if len(r.errs) == 0 && len(collected.Matches) > 0 {
		status = schema.StatusValidated
	}
	warnings := r.manager.Warnings()
	for _, w := range warnings {
		log.Warn("executor cleanup warning", "op", w.Op, "target", w.Target, "err", w.Err)
	}
	return schema.RunResult{
		Status:   status,
		RunID:    r.runID,
		Errors:   append([]string(nil), r.errs...),
		Warnings: warnings,
		Artifacts: schema.Artifacts{
			Log:     r.capture.Path(),
			Tree:    collected.Tree,
			Archive: collected.Archive,
		},
	}
}

// IsPrecondition reports whether err refused the run before any engine call.
func IsPrecondition(err error) bool {
	return errors.Is(err, schema.ErrImageInvalid) ||
		errors.Is(err, schema.ErrInvalidSubmission) ||
		errors.Is(err, schema.ErrUnknownQuestion)
}
