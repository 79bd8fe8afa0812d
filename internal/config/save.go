package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Marshal renders cfg as YAML using the same keys Load reads. Durations are
// written in time.ParseDuration form.
func Marshal(cfg Config) ([]byte, error) {
	tree := map[string]any{}
	for key, value := range settings(cfg) {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		parts := strings.Split(key, ".")
		node := tree
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}

	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// Save writes cfg to path, creating parent directories. It refuses to
// overwrite an existing file unless overwrite is set.
func Save(path string, cfg Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
