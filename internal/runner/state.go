// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bartekus/skillflow/internal/projection"
	"github.com/bartekus/skillflow/internal/workflow"
)

// StateStore is a file-backed Repository: one JSON document per execution
// and per skill's statistics, plus a pointer to the last run.
type StateStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewStateStore creates a store at the given base directory (e.g. .skillflow/run).
func NewStateStore(baseDir string) *StateStore {
	return &StateStore{baseDir: baseDir}
}

func (s *StateStore) lastRunPath() string {
	return filepath.Join(s.baseDir, "last-run.json")
}

func (s *StateStore) executionPath(id string) (string, error) {
	if !safeName(id) {
		return "", fmt.Errorf("%w: %q", workflow.ErrExecutionNotFound, id)
	}
	return filepath.Join(s.baseDir, "executions", id+".json"), nil
}

func (s *StateStore) statsPath(skillID string) (string, error) {
	if !safeName(skillID) {
		return "", fmt.Errorf("invalid skill id %q", skillID)
	}
	return filepath.Join(s.baseDir, "stats", skillID+".json"), nil
}

func safeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func (s *StateStore) CreateExecution(_ context.Context, e *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.executionPath(e.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	return writeJSON(path, e)
}

func (s *StateStore) SaveExecution(_ context.Context, e *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.readExecution(e.ID)
	if err != nil {
		return err
	}
	if prev.State.Terminal() {
		return fmt.Errorf("%w: execution %s is already %s", workflow.ErrInvalidTransition, e.ID, prev.State)
	}
	path, _ := s.executionPath(e.ID)
	return writeJSON(path, e)
}

func (s *StateStore) LoadExecution(_ context.Context, id string) (*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readExecution(id)
}

func (s *StateStore) readExecution(id string) (*workflow.Execution, error) {
	path, err := s.executionPath(id)
	if err != nil {
		return nil, err
	}
	var e workflow.Execution
	found, err := readJSON(path, &e)
	if err != nil {
		return nil, fmt.Errorf("reading execution %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", workflow.ErrExecutionNotFound, id)
	}
	if e.Context == nil {
		e.Context = workflow.Context{}
	}
	return &e, nil
}

func (s *StateStore) RecordRun(_ context.Context, skillID string, success bool, d time.Duration, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, err := s.readStats(skillID)
	if err != nil {
		return err
	}
	stats.Record(success, d, at)
	path, _ := s.statsPath(skillID)
	return writeJSON(path, stats)
}

func (s *StateStore) SkillStats(_ context.Context, skillID string) (*workflow.SkillStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readStats(skillID)
}

func (s *StateStore) readStats(skillID string) (*workflow.SkillStats, error) {
	path, err := s.statsPath(skillID)
	if err != nil {
		return nil, err
	}
	stats := &workflow.SkillStats{SkillID: skillID}
	if _, err := readJSON(path, stats); err != nil {
		return nil, fmt.Errorf("reading stats for %s: %w", skillID, err)
	}
	return stats, nil
}

// ReadLastRun loads the last run pointer. A missing file is a clean state.
func (s *StateStore) ReadLastRun() (*LastRun, error) {
	var last LastRun
	found, err := readJSON(s.lastRunPath(), &last)
	if err != nil {
		return nil, fmt.Errorf("reading last run: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &last, nil
}

// WriteLastRun saves the last run pointer.
func (s *StateStore) WriteLastRun(last LastRun) error {
	return writeJSON(s.lastRunPath(), last)
}

// Reset clears the state directory.
func (s *StateStore) Reset() error {
	return os.RemoveAll(s.baseDir)
}

func readJSON(path string, v any) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return true, err
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return projection.AtomicWrite(path, append(data, '\n'))
}
