// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bartekus/skillflow/cmd/skillflow/internal/clierr"
	"github.com/bartekus/skillflow/internal/catalog"
	"github.com/bartekus/skillflow/internal/runner"
	"github.com/bartekus/skillflow/internal/workflow"
)

// timeout is the wall-clock budget for one execute or resume call.
func (s *session) timeout(skill *workflow.Skill) time.Duration {
	if skill != nil && skill.TimeoutSeconds > 0 {
		return time.Duration(skill.TimeoutSeconds) * time.Second
	}
	return s.app.cfg.DefaultTimeout()
}

func (s *session) bounded(ctx context.Context, skill *workflow.Skill) (context.Context, context.CancelFunc) {
	if d := s.timeout(skill); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// finish commits the session, records the last run and renders res. The
// runner error, if any, decides the exit code.
func (s *session) finish(cmd *cobra.Command, res *runner.Result, runErr error, asJSON bool, msg string) error {
	if err := s.commit(cmd.Context()); err != nil {
		return err
	}
	s.remember(res)
	if res != nil {
		if asJSON {
			if err := writeJSON(cmd, res); err != nil {
				return err
			}
		} else {
			printResult(cmd, res)
		}
	}
	return clierr.Classify(msg, runErr)
}

func (s *session) execute(cmd *cobra.Command, skill *workflow.Skill, input workflow.Context, asJSON bool) error {
	ctx, cancel := s.bounded(cmd.Context(), skill)
	defer cancel()
	res, err := s.runner.Execute(ctx, skill, input)
	return s.finish(cmd, res, err, asJSON, "run "+skill.ID)
}

func newRunCmd(a *app) *cobra.Command {
	var (
		sets   []string
		text   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run <skill-id>",
		Short: "Execute a skill",
		Long: `Execute a skill by id. Context values come from --set key=value flags
(values are parsed as JSON when possible) and, with --text, from parameters
extracted out of a free-text request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseSets(sets)
			if err != nil {
				return err
			}
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			skill, err := s.catalog.Skill(cmd.Context(), args[0])
			if err != nil {
				return clierr.Classify("run", err)
			}
			if text != "" {
				extracted := s.matcher.Extract(skill, text)
				for k, v := range input {
					extracted[k] = v
				}
				input = extracted
			}
			return s.execute(cmd, skill, input, asJSON)
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "context value as key=value (repeatable)")
	cmd.Flags().StringVar(&text, "text", "", "free-text request to extract parameters from")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the result as JSON")
	return cmd
}

func newAskCmd(a *app) *cobra.Command {
	var (
		categories []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ask <text...>",
		Short: "Match a request to a skill and execute it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.matcher.Match(cmd.Context(), strings.Join(args, " "), catalog.Filter{Categories: categories})
			if err != nil {
				return err
			}
			if !res.Matched() {
				if asJSON {
					_ = writeJSON(cmd, res)
				} else {
					printMatch(cmd, res)
				}
				return clierr.New(clierr.CodeNotFound, "no skill matched the request")
			}
			return s.execute(cmd, res.Skill, res.Params, asJSON)
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "only consider skills in these categories")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the result as JSON")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resume <execution-id> <value>",
		Short: "Provide the input a waiting execution asked for",
		Long:  "Resume a waiting execution. The value is parsed as JSON when possible, else taken as a string.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			e, err := s.runner.Status(cmd.Context(), args[0])
			if err != nil {
				return clierr.Classify("resume", err)
			}
			skill, _ := s.catalog.Skill(cmd.Context(), e.SkillID)

			ctx, cancel := s.bounded(cmd.Context(), skill)
			defer cancel()
			res, err := s.runner.Resume(ctx, args[0], parseValue(args[1]))
			return s.finish(cmd, res, err, asJSON, "resume "+args[0])
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the result as JSON")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a pending or waiting execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.runner.Cancel(cmd.Context(), args[0])
			if res == nil {
				return clierr.Classify("cancel", err)
			}
			return s.finish(cmd, res, err, false, "cancel "+args[0])
		},
	}
}
