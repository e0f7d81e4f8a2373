// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"github.com/spf13/cobra"
)

func newRollbackCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Inspect the rollback backend",
	}
	var asJSON bool
	capability := &cobra.Command{
		Use:   "capability",
		Short: "Report whether snapshot rollback is available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			c := s.manager.Capability(cmd.Context())
			if asJSON {
				return writeJSON(cmd, c)
			}
			if c.Snapshots {
				printf(cmd, "snapshots: available\n")
				return nil
			}
			printf(cmd, "snapshots: unavailable\n")
			printf(cmd, "warning:   %s\n", c.Warning)
			return nil
		},
	}
	capability.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.AddCommand(capability)
	return cmd
}
