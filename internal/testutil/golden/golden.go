// SPDX-License-Identifier: AGPL-3.0-or-later

// Package golden compares CLI output against files under the caller's
// testdata directory. Run tests with -update to rewrite them.
package golden

import (
	"flag"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var Update = flag.Bool("update", false, "update golden files")

// TestdataDir returns the testdata directory next to the calling test file.
func TestdataDir(t *testing.T) string {
	t.Helper()
	return testdataDir(t, 2)
}

func testdataDir(t *testing.T, skip int) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(skip)
	require.True(t, ok, "runtime.Caller failed")
	return filepath.Join(filepath.Dir(filename), "testdata")
}

// Read returns the golden file content, or "" when it does not exist yet.
func Read(t *testing.T, dir, name string) string {
	t.Helper()
	safeName(t, name)
	data, err := os.ReadFile(filepath.Join(dir, name+".golden")) //nolint:gosec // testdata path controlled by test
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func Write(t *testing.T, dir, name, content string) {
	t.Helper()
	safeName(t, name)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".golden"), []byte(content), 0o600))
}

// Assert compares got with testdata/<name>.golden, rewriting it under -update.
func Assert(t *testing.T, name, got string) {
	t.Helper()
	dir := testdataDir(t, 2)
	if *Update {
		Write(t, dir, name, got)
	}
	assert.Equal(t, Read(t, dir, name), got, "golden %s (run with -update to refresh)", name)
}

func safeName(t *testing.T, name string) {
	t.Helper()
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		t.Fatalf("invalid golden name %q", name)
	}
}
