package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/subexec/internal/version"
)

func newVersionCmd() *cobra.Command {
	var dirty bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := version.Current()
			if dirty {
				v = version.CurrentWithDirty()
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), v)
			return err
		},
	}
	cmd.Flags().BoolVar(&dirty, "dirty", false, "include the +dirty suffix for modified builds")
	return cmd
}
