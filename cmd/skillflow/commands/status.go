// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"github.com/spf13/cobra"

	"github.com/bartekus/skillflow/cmd/skillflow/internal/clierr"
	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/runner"
	"github.com/bartekus/skillflow/internal/workflow"
)

type statusReport struct {
	Execution  *workflow.Execution   `json:"execution,omitempty"`
	Operations []audit.Entry         `json:"operations,omitempty"`
	LastRun    *runner.LastRun       `json:"last_run,omitempty"`
	Waiting    []*workflow.Execution `json:"waiting,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		ops    bool
	)
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution, or the last run and executions waiting for input",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			ctx := cmd.Context()

			report := statusReport{}
			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				if report.LastRun, err = s.state.ReadLastRun(); err != nil {
					return err
				}
				if report.LastRun != nil {
					id = report.LastRun.ExecutionID
				}
				if report.Waiting, err = s.store.ListExecutions(ctx, workflow.StateWaitingInput, 20); err != nil {
					return err
				}
			}

			if id != "" {
				if report.Execution, err = s.runner.Status(ctx, id); err != nil {
					return clierr.Classify("status", err)
				}
				if ops {
					if report.Operations, err = s.store.Operations(ctx, id); err != nil {
						return err
					}
				}
			}

			if asJSON {
				return writeJSON(cmd, report)
			}
			if report.Execution == nil && len(report.Waiting) == 0 {
				printf(cmd, "no executions yet\n")
				return nil
			}
			if report.Execution != nil {
				printExecution(cmd, report.Execution)
				if ops {
					printOperations(cmd, report.Operations)
				}
			}
			if len(report.Waiting) > 0 {
				printf(cmd, "\nwaiting for input:\n")
				for _, e := range report.Waiting {
					variable := ""
					if e.Pending != nil {
						variable = e.Pending.Variable
					}
					printf(cmd, "  %s  %s  %s\n", e.ID, e.SkillID, variable)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&ops, "ops", false, "include the operation log")
	return cmd
}
