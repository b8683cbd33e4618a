package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/appconfig"
	"pkt.systems/subexec/internal/budget"
	"pkt.systems/subexec/internal/shipohoy"
	"pkt.systems/subexec/schema"
)

// imageChecker is the part of the engine runtime doctor needs beyond shipohoy.
type imageChecker interface {
	ImageExists(ctx context.Context, image string) (bool, error)
}

func newDoctorCmd() *cobra.Command {
	var repository string
	var digest string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check engine connectivity, budgets and the work directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger.Info("doctor start", "engine", cfg.Engine.Address)

			if err := checkBudgets(ctx, cfg); err != nil {
				return err
			}
			if err := checkWorkDir(cfg.Run.WorkDir); err != nil {
				return err
			}
			logger.Info("doctor work dir ok", "dir", cfg.Run.WorkDir)

			rt, err := connectRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			logger.Info("doctor engine ok", "address", rt.Address())

			if name := strings.TrimSpace(cfg.Artifacts.Sidecar.Container); name != "" {
				if err := checkSidecar(ctx, rt, name); err != nil {
					logger.Warn("doctor sidecar missing", "container", name, "err", err)
				} else {
					logger.Info("doctor sidecar ok", "container", name)
				}
			}
			if repository != "" || digest != "" {
				if err := checkImage(ctx, rt, repository, digest); err != nil {
					return err
				}
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&repository, "repository", "", "image repository to look for")
	cmd.Flags().StringVar(&digest, "digest", "", "image digest to look for")
	return cmd
}

func checkBudgets(ctx context.Context, cfg appconfig.Config) error {
	table, err := cfg.Budgets.Table()
	if err != nil {
		return err
	}
	logger := pslog.Ctx(ctx)
	host := budget.DetectHost()
	logger.Info("doctor host", "cpus", host.CPUs, "memory", host.MemoryBytes)
	for _, q := range table.Oversized(host) {
		logger.Warn("doctor budget exceeds host memory", "question", q)
	}
	table = table.FitHost(host)
	for _, q := range table.Questions() {
		for _, public := range []bool{true, false} {
			b, err := table.For(q, public)
			if err != nil {
				return err
			}
			logger.Info("doctor budget ok", "question", q, "public", public,
				"memory", b.MemoryBytes, "nano_cpus", b.NanoCPUs, "timeout", b.Timeout.String(), "pattern", b.OutputPattern)
		}
	}
	return nil
}

func checkWorkDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("doctor: run.work_dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("doctor work dir: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".subexec-doctor-*")
	if err != nil {
		return fmt.Errorf("doctor work dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(filepath.Clean(name))
}

func checkSidecar(ctx context.Context, rt shipohoy.Runtime, name string) error {
	found, err := rt.Find(ctx, name)
	if err != nil {
		return err
	}
	for _, st := range found {
		if st.Name == name && st.Running {
			return nil
		}
	}
	return fmt.Errorf("container %s is not running", name)
}

func checkImage(ctx context.Context, images imageChecker, repository, digest string) error {
	ref, err := schema.NormalizeImageRef(repository, digest)
	if err != nil {
		return err
	}
	ok, err := images.ImageExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("doctor image lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("doctor image %s not present on the engine", ref)
	}
	pslog.Ctx(ctx).Info("doctor image ok", "image", ref)
	return nil
}
