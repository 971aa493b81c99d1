package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ApplyFileDefaults reads a YAML mapping of environment variable names to
// values and applies each entry that is not already set in the environment.
// Environment variables always win over file values. A missing path is an
// error; an empty path is a no-op.
func ApplyFileDefaults(path string) error {
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	var entries map[string]string
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	for key, value := range entries {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("config file %s: set %s: %w", path, key, err)
		}
	}
	return nil
}
