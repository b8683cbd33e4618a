package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/lifecycle"
	"pkt.systems/subexec/internal/shipohoy"
)

func newJanitorCmd() *cobra.Command {
	var minAge time.Duration
	var submission string
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Remove containers and volumes left behind by interrupted runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := connectRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			spec := janitorSpec(minAge, submission)
			removed, err := rt.Janitor(ctx, spec)
			if err != nil {
				return err
			}
			pslog.Ctx(ctx).Info("janitor ok", "removed", removed, "min_age", minAge.String())
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", removed)
			return err
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 24*time.Hour, "only remove resources older than this")
	cmd.Flags().StringVar(&submission, "submission-id", "", "only remove resources of this submission")
	return cmd
}

func janitorSpec(minAge time.Duration, submission string) shipohoy.JanitorSpec {
	spec := shipohoy.JanitorSpec{MinAge: minAge}
	if s := strings.TrimSpace(submission); s != "" {
		spec.LabelSelector = map[string]string{lifecycle.LabelSubmission: s}
	}
	return spec
}
