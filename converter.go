package tripwire

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// decodeParams converts a raw params map into a typed struct using
// mapstructure, with duration and time decode hooks and weak typing so YAML
// ints coerce cleanly.
func decodeParams(m map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

// expandEnvValue resolves ${VAR} / ${VAR:default} references in function env
// values. A referenced variable with no default must be set.
func expandEnvValue(value string) (string, error) {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return value, nil
	}

	varName := matches[1]
	defaultPart := matches[2]

	if envValue, exists := os.LookupEnv(varName); exists {
		return envValue, nil
	}
	if defaultPart != "" {
		return strings.TrimPrefix(defaultPart, ":"), nil
	}
	return "", validationError("required environment variable not set: %s", varName)
}
