package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseDefinition parses a workflow definition from YAML bytes and
// validates it. Lambda and map-handler wiring is code-only, so YAML
// definitions are limited to operation, choice, wait, and map steps.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if def.Policy.Mode == "" {
		def.Policy.Mode = ModeSequential
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}
	return &def, nil
}
