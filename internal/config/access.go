package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Keys returns every dot-separated configuration key, sorted.
func Keys() []string {
	v := viper.New()
	setDefaults(v, Defaults())
	keys := v.AllKeys()
	slices.Sort(keys)
	return keys
}

// GetPath retrieves a value using a dot-notation path such as "engine.mode".
// Secrets are returned redacted.
func (c *Config) GetPath(path string) (any, error) {
	data, err := Render(c)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

// SetPath writes value at path in the YAML file, creating the file and any
// missing mappings. If the edited file no longer loads, the original content
// is restored and the validation error returned.
func SetPath(file, path, value string) error {
	if !slices.Contains(Keys(), path) {
		return fmt.Errorf("unknown config key %q", path)
	}

	original, err := os.ReadFile(file)
	existed := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", file, err)
	}

	var doc yaml.Node
	if len(original) > 0 {
		if err := yaml.Unmarshal(original, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", file, err)
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	target, err := findNode(doc.Content[0], path)
	if err != nil {
		return fmt.Errorf("navigate to %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Tag = guessTag(value)
	target.Value = value
	target.Content = nil

	candidate, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	return persistWithValidation(file, candidate, original, existed)
}

// findNode walks the mapping along path, adding keys that do not exist yet.
func findNode(node *yaml.Node, path string) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(path, ".") {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not a mapping", part)
		}

		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}
		if next == nil {
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}, next)
		}
		current = next
	}
	return current, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	digits := strings.TrimPrefix(v, "-")
	if digits == "" {
		return "!!str"
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "!!str"
		}
	}
	return "!!int"
}

func persistWithValidation(file string, candidate, original []byte, existed bool) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(file); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(file, candidate, mode); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	if _, err := Load(viper.New(), file); err != nil {
		var restoreErr error
		if existed {
			restoreErr = os.WriteFile(file, original, mode)
		} else {
			restoreErr = os.Remove(file)
		}
		if restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
