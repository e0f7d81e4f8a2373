// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/bartekus/skillflow/internal/catalog"
)

func newMatchCmd(a *app) *cobra.Command {
	var (
		categories []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "match <text...>",
		Short: "Show which skill a request maps to",
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
			if asJSON {
				return writeJSON(cmd, res)
			}
			printMatch(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "only consider skills in these categories")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the result as JSON")
	return cmd
}
