// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bartekus/skillflow/cmd/skillflow/internal/clierr"
	"github.com/bartekus/skillflow/internal/config"
	"github.com/bartekus/skillflow/internal/projectroot"
)

// app carries what every command needs once flags are parsed.
type app struct {
	configFile string
	verbose    bool
	workdir    string

	root   string
	cfg    *config.Config
	logger *slog.Logger
}

// load reads .env, the config file and SKILLFLOW_* variables.
func (a *app) load(cmd *cobra.Command) error {
	wd := a.workdir
	if wd == "" {
		var err error
		if wd, err = os.Getwd(); err != nil {
			return err
		}
	}
	a.root = projectroot.FindOr(wd)

	if err := godotenv.Load(filepath.Join(a.root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return clierr.Wrap(clierr.CodeUsage, "loading .env", err)
	}

	v := config.NewViper()
	if a.configFile != "" {
		v.SetConfigFile(a.configFile)
	} else {
		v.AddConfigPath(a.root)
		v.SetConfigName(config.FileName)
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.configFile != "" || !errors.As(err, &notFound) {
			return clierr.Wrap(clierr.CodeUsage, "reading config", err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "invalid config", err)
	}
	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), cfg.Log, a.verbose)
	return nil
}

// path anchors a configured relative path at the project root.
func (a *app) path(p string) string {
	return projectroot.Resolve(a.root, p)
}

func newLogger(w io.Writer, lc config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
