// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd constructs the skillflow root Cobra command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	version := os.Getenv("SKILLFLOW_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "skillflow",
		Short:         "Match requests to skills and run them as resumable workflows",
		Long:          "skillflow matches free-text requests to declarative skills and executes them step by step, suspending for input and rolling back on failure.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return a.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default .skillflow.yaml in the project root)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose output")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of skillflow",
		Run: func(cmd *cobra.Command, args []string) {
			printf(cmd, "skillflow version %s\n", version)
		},
	})

	cmd.AddCommand(
		newMatchCmd(a),
		newRunCmd(a),
		newAskCmd(a),
		newResumeCmd(a),
		newCancelCmd(a),
		newStatusCmd(a),
		newSkillsCmd(a),
		newRollbackCmd(a),
	)
	return cmd
}
