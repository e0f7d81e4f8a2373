// SPDX-License-Identifier: AGPL-3.0-or-later

// Package projectroot locates the directory a skillflow invocation is anchored
// to, so relative config, database and state paths resolve the same way from
// any subdirectory.
package projectroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no marker is found up to the filesystem root.
var ErrNotFound = errors.New("project root not found")

// Markers are checked in order at every level.
var Markers = []string{".skillflow.yaml", ".skillflow", "go.mod", ".git"}

// Find walks up from start until a directory contains one of Markers.
func Find(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		for _, m := range Markers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w (searched from %s)", ErrNotFound, start)
		}
		dir = parent
	}
}

// FindOr returns Find(start) or start itself when no marker exists.
func FindOr(start string) string {
	root, err := Find(start)
	if err != nil {
		abs, absErr := filepath.Abs(start)
		if absErr != nil {
			return start
		}
		return abs
	}
	return root
}

// Resolve anchors a relative path at root.
func Resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
