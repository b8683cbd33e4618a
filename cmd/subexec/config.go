package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/subexec/internal/appconfig"
)

// loadConfig reads the env file and config named by the persistent flags.
func loadConfig(cmd *cobra.Command) (appconfig.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := appconfig.LoadEnvFile(envFile, strings.TrimSpace(envFile) != ""); err != nil {
		return appconfig.Config{}, err
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return appconfig.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the subexec config file",
	}
	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			path, err := appconfig.WriteDefault(cfgPath, overwrite)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("config init ok", "path", path)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing config file")
	cmd.AddCommand(initCmd)
	return cmd
}
