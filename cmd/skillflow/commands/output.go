// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bartekus/skillflow/cmd/skillflow/internal/clierr"
	"github.com/bartekus/skillflow/internal/audit"
	"github.com/bartekus/skillflow/internal/intent"
	"github.com/bartekus/skillflow/internal/runner"
	"github.com/bartekus/skillflow/internal/workflow"
)

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseValue reads s as JSON when it parses, else as a plain string.
func parseValue(s string) workflow.Value {
	var x any
	if err := json.Unmarshal([]byte(s), &x); err == nil {
		if v, err := workflow.FromAny(x); err == nil {
			return v
		}
	}
	return workflow.String(s)
}

// parseSets turns repeated --set key=value flags into a context.
func parseSets(sets []string) (workflow.Context, error) {
	out := workflow.Context{}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, clierr.Usagef("invalid --set %q, want key=value", kv)
		}
		out[key] = parseValue(value)
	}
	return out, nil
}

func printResult(cmd *cobra.Command, res *runner.Result) {
	printf(cmd, "execution: %s\n", res.ExecutionID)
	printf(cmd, "skill:     %s\n", res.SkillID)
	printf(cmd, "state:     %s\n", res.State)
	if res.Summary != "" {
		printf(cmd, "summary:   %s\n", res.Summary)
	}
	if res.Error != "" {
		printf(cmd, "error:     %s\n", res.Error)
	}
	if in := res.Input; in != nil {
		printInputRequest(cmd, in)
		printf(cmd, "resume with: skillflow resume %s <value>\n", res.ExecutionID)
	}
}

func printInputRequest(cmd *cobra.Command, in *workflow.InputRequest) {
	prompt := in.Prompt
	if prompt == "" {
		prompt = in.Instructions
	}
	printf(cmd, "waiting:   %s (%s)\n", prompt, in.Kind)
	printf(cmd, "variable:  %s\n", in.Variable)
	if len(in.Options) > 0 {
		printf(cmd, "options:   %s\n", strings.Join(in.Options, ", "))
	}
	if in.Default != nil {
		printf(cmd, "default:   %s\n", in.Default.Text())
	}
}

func printExecution(cmd *cobra.Command, e *workflow.Execution) {
	printf(cmd, "execution: %s\n", e.ID)
	printf(cmd, "skill:     %s\n", e.SkillID)
	printf(cmd, "state:     %s\n", e.State)
	printf(cmd, "step:      %d\n", e.CurrentStep)
	printf(cmd, "ops:       %d\n", e.Operations)
	if e.Summary != "" {
		printf(cmd, "summary:   %s\n", e.Summary)
	}
	if e.Error != "" {
		printf(cmd, "error:     %s\n", e.Error)
	}
	if e.Pending != nil {
		printInputRequest(cmd, e.Pending)
	}
	if e.Rollback != nil {
		printf(cmd, "rollback:  %s %s\n", e.Rollback.Kind, e.Rollback.ID)
	}
}

func printOperations(cmd *cobra.Command, ops []audit.Entry) {
	if len(ops) == 0 {
		printf(cmd, "no operations recorded\n")
		return
	}
	for _, op := range ops {
		line := fmt.Sprintf("%s  %-10s %-12s %s", op.At.UTC().Format("15:04:05"), op.OpType, op.Step, op.Tool)
		if op.Failed() {
			line += fmt.Sprintf("  attempt %d: %s", op.Attempt, op.Error)
		}
		printf(cmd, "%s\n", strings.TrimRight(line, " "))
	}
}

func printMatch(cmd *cobra.Command, res *intent.Result) {
	if !res.Matched() {
		printf(cmd, "no skill matched\n")
	} else {
		printf(cmd, "skill:      %s\n", res.SkillID)
		printf(cmd, "confidence: %.2f\n", res.Confidence)
		for _, k := range res.Params.Keys() {
			printf(cmd, "param:      %s = %s\n", k, res.Params[k].Text())
		}
	}
	for _, s := range res.Suggestions {
		printf(cmd, "suggestion: %s (%.2f) %s\n", s.SkillID, s.Relevance, s.Name)
	}
}
