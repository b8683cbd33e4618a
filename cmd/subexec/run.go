package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/appconfig"
	"pkt.systems/subexec/internal/artifact"
	"pkt.systems/subexec/internal/budget"
	"pkt.systems/subexec/internal/executor"
	"pkt.systems/subexec/internal/report"
	"pkt.systems/subexec/schema"
)

// exitPrecondition is returned when a submission is refused before launch.
const exitPrecondition = 2

type runFlags struct {
	id          string
	repository  string
	digest      string
	question    string
	public      bool
	inputDir    string
	parentID    string
	imageStatus string
	store       bool
	workDir     string
	results     string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one submission and write its result record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if f.workDir != "" {
				cfg.Run.WorkDir = f.workDir
			}
			if f.results != "" {
				cfg.Results.Path = f.results
			}
			return runSubmission(cmd.Context(), cfg, f.submission())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.id, "submission-id", "", "submission identifier")
	flags.StringVar(&f.repository, "repository", "", "image repository (without tag)")
	flags.StringVar(&f.digest, "digest", "", "image content digest (sha256:...)")
	flags.StringVar(&f.question, "question", "", "challenge question category")
	flags.BoolVar(&f.public, "public", false, "run under the public leaderboard budget")
	flags.StringVar(&f.inputDir, "input-dir", "", "host directory mounted read-only as the container input")
	flags.StringVar(&f.parentID, "parent-id", "", "parent storage identifier for uploaded artifacts")
	flags.StringVar(&f.imageStatus, "image-status", "", "declared image status; INVALID refuses the run")
	flags.BoolVar(&f.store, "store", false, "upload artifacts to the remote store instead of the logging container")
	flags.StringVar(&f.workDir, "work-dir", "", "override run.work_dir")
	flags.StringVar(&f.results, "results", "", "override results.path")
	for _, name := range []string{"submission-id", "repository", "digest", "question"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (f runFlags) submission() schema.Submission {
	return schema.Submission{
		ID:          schema.SubmissionID(strings.TrimSpace(f.id)),
		Repository:  f.repository,
		Digest:      f.digest,
		Question:    schema.Question(strings.TrimSpace(f.question)),
		PublicPhase: f.public,
		InputDir:    f.inputDir,
		ParentID:    f.parentID,
		ImageStatus: f.imageStatus,
		Store:       f.store,
	}
}

func runSubmission(ctx context.Context, cfg appconfig.Config, sub schema.Submission) error {
	logger := pslog.Ctx(ctx)
	budgets, err := cfg.Budgets.Table()
	if err != nil {
		return err
	}
	budgets = budgets.FitHost(budget.DetectHost())
	// Refuse before touching the engine.
	if !sub.DeclaredValid() {
		return &preconditionError{err: schema.ErrImageInvalid}
	}

	rt, err := connectRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	exec := executor.New(rt, executor.Config{
		WorkDir:      cfg.Run.WorkDir,
		PollInterval: cfg.Run.PollInterval(),
		NamePrefix:   cfg.Run.NamePrefix,
		InputTarget:  cfg.Run.InputTarget,
		OutputTarget: cfg.Run.OutputTarget,
		RemoveImage:  cfg.Run.RemoveImage,
		Logs:         cfg.Logs.Options(),
		Budgets:      budgets,
		Stores:       storeSelector(cfg.Artifacts, rt),
	})
	res, err := exec.Run(ctx, sub)
	if err != nil {
		if executor.IsPrecondition(err) {
			return &preconditionError{err: err}
		}
		return err
	}
	logger.Info("run complete", "submission", sub.ID, "status", res.Status, "errors", len(res.Errors), "warnings", len(res.Warnings))

	var pub report.Publisher
	if url := strings.TrimSpace(cfg.Results.NATS.URL); url != "" {
		nats, err := report.DialNATS(url, cfg.Results.NATS.Subject)
		if err != nil {
			logger.Warn("report publisher unavailable", "err", err)
		} else {
			defer nats.Close()
			pub = nats
		}
	}
	env := report.Envelope{
		ResultRecord: report.Report(res.Errors, res.Status),
		SubmissionID: sub.ID,
		RunID:        res.RunID,
	}
	return report.Emit(ctx, cfg.Results.Path, env, pub)
}

// storeSelector picks the remote store for submissions flagged for storage
// and the logging sidecar otherwise.
func storeSelector(cfg appconfig.ArtifactsConfig, copier artifact.Copier) func(context.Context, schema.Submission) artifact.Store {
	return func(ctx context.Context, sub schema.Submission) artifact.Store {
		logger := pslog.Ctx(ctx)
		if sub.Store {
			if strings.TrimSpace(cfg.S3.Bucket) == "" {
				logger.Warn("artifact store not configured; artifacts stay local", "store", "s3")
				return artifact.None{}
			}
			region := cfg.S3.Region
			if appconfig.Unresolved(region) {
				region = ""
			}
			store, err := artifact.NewS3(ctx, artifact.S3Config{
				Bucket:   cfg.S3.Bucket,
				Region:   region,
				Prefix:   cfg.S3.Prefix,
				Endpoint: cfg.S3.Endpoint,
			}, sub.ParentID)
			if err != nil {
				logger.Warn("artifact store unavailable; artifacts stay local", "store", "s3", "err", err)
				return artifact.None{}
			}
			return store
		}
		if strings.TrimSpace(cfg.Sidecar.Container) == "" {
			return artifact.None{}
		}
		return artifact.NewSidecar(copier, cfg.Sidecar.Container, cfg.Sidecar.Path)
	}
}

type preconditionError struct {
	err error
}

func (e *preconditionError) Error() string {
	return fmt.Sprintf("submission refused: %v", e.err)
}

func (e *preconditionError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var pe *preconditionError
	if errors.As(err, &pe) {
		return exitPrecondition
	}
	return 1
}
