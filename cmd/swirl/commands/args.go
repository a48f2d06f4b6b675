package commands

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/swirl/pkg/engine"
)

// parseArgs splits key=value pairs into operation arguments and global
// arguments. Values are read as YAML scalars or flow lists, so "true", "3"
// and "[a, b]" arrive typed; anything else stays a string.
func parseArgs(pairs []string) (engine.Args, engine.Kwargs, error) {
	args := engine.Args{}
	kwargs := engine.Kwargs{}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, nil, fmt.Errorf("invalid argument %q, expected key=value", pair)
		}

		value := parseValue(raw)
		if engine.IsGlobalArgument(key) {
			kwargs[key] = value
			continue
		}
		args[key] = value
	}

	return args, kwargs, nil
}

func parseValue(raw string) any {
	if raw == "" {
		return ""
	}

	// leading zeros stay strings so file modes such as 0644 keep their digits
	if len(raw) > 1 && raw[0] == '0' && raw[1] != '.' {
		return raw
	}

	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}

	switch v.(type) {
	case bool, int, float64:
		return v
	case []any:
		if strings.HasPrefix(strings.TrimSpace(raw), "[") {
			return v
		}
	}
	return raw
}
