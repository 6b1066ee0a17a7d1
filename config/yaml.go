package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseYaml rejects unknown keys so that a misspelled option does not silently fall back to its default.
func parseYaml(out interface{}, blob []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(blob))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty config: %w", ErrMissingOption)
		}
		return fmt.Errorf("can't parse yaml: %w", err)
	}
	return nil
}

// expandEnv substitutes ${VAR} and $VAR references, ${VAR:-default} falls back to default
// when VAR is unset or empty.
func expandEnv(blob []byte) []byte {
	return []byte(os.Expand(string(blob), func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		value := os.Getenv(name)
		if value == "" && hasDefault {
			return def
		}
		return value
	}))
}
