package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads a YAML file into out after substituting environment variables
func Load(filePath string, out interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(data, out)
}

// LoadBytes is Load over in-memory YAML
func LoadBytes(data []byte, out interface{}) error {
	content := SubstituteEnv(string(data))
	if err := yaml.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// Save saves a value to a YAML file
func Save(filePath string, in interface{}) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SubstituteEnv replaces ${VAR} with the variable's value and ${VAR:-def}
// with def when VAR is unset or empty. Unterminated references are kept.
func SubstituteEnv(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			b.WriteString(content)
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			b.WriteString(content)
			break
		}
		end += start

		b.WriteString(content[:start])
		ref := content[start+2 : end]
		name, def, hasDefault := strings.Cut(ref, ":-")
		value := os.Getenv(name)
		if value == "" && hasDefault {
			value = def
		}
		b.WriteString(value)
		content = content[end+1:]
	}
	return b.String()
}
