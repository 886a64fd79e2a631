package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file, expanding ${VAR} references against
// the environment before decoding. Fields the file does not set keep the
// NewConfig defaults, so a minimal file only needs credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the --config flag
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := NewConfig()
	content := expandEnvRefs(string(data))
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// expandEnvRefs replaces every ${VAR} occurrence with the value of the
// environment variable VAR. Unset variables expand to the empty string,
// which Validate then catches for required credentials. Bare $VAR is left
// alone so secrets containing dollar signs survive.
func expandEnvRefs(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			return content
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			return content
		}
		end += start

		content = content[:start] + os.Getenv(content[start+2:end]) + content[end+1:]
	}
}
