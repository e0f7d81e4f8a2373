// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bartekus/skillflow/internal/workflow"
)

const (
	// DefaultThreshold applies when a skill omits confidence_threshold.
	DefaultThreshold = 0.7
	// DefaultMaxOperations applies when a skill omits max_operations.
	DefaultMaxOperations = 50
)

// LoadFile parses every skill defined in a YAML file. A file may hold several
// YAML documents.
func LoadFile(path string) ([]workflow.Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read skill file: %w", err)
	}
	skills, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return skills, nil
}

// Parse decodes skills from YAML bytes and applies defaults.
func Parse(data []byte) ([]workflow.Skill, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []workflow.Skill
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse skill YAML: %w", err)
		}
		skills, err := decodeNode(&node)
		if err != nil {
			return nil, err
		}
		out = append(out, skills...)
	}
	return out, nil
}

func decodeNode(node *yaml.Node) ([]workflow.Skill, error) {
	root := node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", root.Line)
	}
	if list := valueOf(root, "skills"); list != nil {
		if list.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("line %d: skills must be a list", list.Line)
		}
		out := make([]workflow.Skill, 0, len(list.Content))
		for _, item := range list.Content {
			s, err := decodeSkill(item)
			if err != nil {
				return nil, fmt.Errorf("failed to parse skill list: %w", err)
			}
			out = append(out, s)
		}
		return out, nil
	}
	s, err := decodeSkill(root)
	if err != nil {
		return nil, fmt.Errorf("failed to parse skill: %w", err)
	}
	return []workflow.Skill{s}, nil
}

func decodeSkill(node *yaml.Node) (workflow.Skill, error) {
	var s workflow.Skill
	if err := node.Decode(&s); err != nil {
		return s, err
	}
	keys := keysOf(node)
	if !keys["confidence_threshold"] {
		s.Threshold = DefaultThreshold
	}
	if !keys["max_operations"] {
		s.MaxOperations = DefaultMaxOperations
	}
	applyDefaults(&s)
	return s, nil
}

func valueOf(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func keysOf(m *yaml.Node) map[string]bool {
	keys := map[string]bool{}
	if m.Kind != yaml.MappingNode {
		return keys
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		keys[m.Content[i].Value] = true
	}
	return keys
}

// LoadDir loads every *.yaml / *.yml file below dir in lexical order.
func LoadDir(dir string) ([]workflow.Skill, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan skill dir %s: %w", dir, err)
	}
	sort.Strings(files)

	var out []workflow.Skill
	for _, f := range files {
		skills, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, skills...)
	}
	return out, nil
}

// applyDefaults fills the lifecycle and ordering fields. Threshold and
// operations defaults are applied only while decoding, where a missing key
// can be told apart from an explicit zero.
func applyDefaults(s *workflow.Skill) {
	if s.State == "" {
		s.State = workflow.SkillDraft
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	for i := range s.Steps {
		if s.Steps[i].Sequence == 0 {
			s.Steps[i].Sequence = (i + 1) * 10
		}
	}
	s.SortSteps()
}
