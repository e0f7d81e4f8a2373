// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/bartekus/skillflow/cmd/skillflow/internal/clierr"
	"github.com/bartekus/skillflow/internal/catalog"
	"github.com/bartekus/skillflow/internal/catalogdoc"
	"github.com/bartekus/skillflow/internal/workflow"
)

type skillListItem struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Category string              `json:"category,omitempty"`
	State    workflow.SkillState `json:"state"`
	Builtin  bool                `json:"builtin,omitempty"`
}

func newSkillsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect and administer the skill catalog",
	}
	cmd.AddCommand(newSkillsListCmd(a), newSkillsValidateCmd(), newSkillsStateCmd(a), newSkillsStatsCmd(a), newSkillsDocsCmd(a))
	return cmd
}

func newSkillsListCmd(a *app) *cobra.Command {
	var (
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active skills (--all for every state)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			var skills []workflow.Skill
			if all {
				skills = s.catalog.All()
			} else if skills, err = s.catalog.ListActiveSkills(cmd.Context(), catalog.Filter{}); err != nil {
				return err
			}

			list := make([]skillListItem, 0, len(skills))
			for _, sk := range skills {
				list = append(list, skillListItem{ID: sk.ID, Name: sk.Label(), Category: sk.Category, State: sk.State, Builtin: sk.Builtin})
			}
			if asJSON {
				return writeJSON(cmd, map[string]any{"skills": list})
			}
			for _, it := range list {
				printf(cmd, "%-14s %-11s %s\n", it.ID, it.State, it.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include draft, testing and deprecated skills")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newSkillsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a directory of skill definitions",
		Args:  cobra.ExactArgs(1),
		// No config or database needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			skills, err := catalog.LoadDir(args[0])
			if err != nil {
				return clierr.Classify("validate", err)
			}
			if err := catalog.ValidateAll(skills); err != nil {
				return clierr.Classify("validate", err)
			}
			printf(cmd, "%d skill(s) valid\n", len(skills))
			return nil
		},
	}
}

func newSkillsStateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "state <skill-id> <draft|testing|active|deprecated>",
		Short: "Move a skill to another lifecycle state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			id, state := args[0], workflow.SkillState(args[1])
			if err := s.catalog.SetState(id, state); err != nil {
				return clierr.Classify("skills state", err)
			}
			if err := s.store.SetSkillState(cmd.Context(), id, state, time.Now()); err != nil {
				return err
			}
			if err := s.commit(cmd.Context()); err != nil {
				return err
			}
			printf(cmd, "%s is now %s\n", id, state)
			return nil
		},
	}
}

func newSkillsStatsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats <skill-id>",
		Short: "Show recorded execution statistics of a skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if _, err := s.catalog.Skill(cmd.Context(), args[0]); err != nil {
				return clierr.Classify("skills stats", err)
			}
			st, err := s.runner.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, st)
			}
			printf(cmd, "skill:      %s\n", st.SkillID)
			printf(cmd, "runs:       %d (%d ok, %d failed)\n", st.Executions, st.Successes, st.Failures)
			if st.Executions > 0 {
				printf(cmd, "success:    %.0f%%\n", st.SuccessRate()*100)
				printf(cmd, "avg time:   %s\n", st.AverageDuration())
				printf(cmd, "last run:   %s (%s)\n", st.LastRunAt.UTC().Format(time.RFC3339), st.LastDuration)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newSkillsDocsCmd(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Render Markdown reference pages for the skill catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			all := s.catalog.All()
			stats := make(map[string]*workflow.SkillStats, len(all))
			for _, sk := range all {
				if stats[sk.ID], err = s.runner.Stats(cmd.Context(), sk.ID); err != nil {
					return err
				}
			}
			out := a.path(outDir)
			gen := &catalogdoc.Generator{Skills: all, Stats: stats, OutDir: out}
			if err := gen.Generate(); err != nil {
				return err
			}
			printf(cmd, "wrote %d skill page(s) to %s\n", len(all), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "docs/skills", "output directory")
	return cmd
}
