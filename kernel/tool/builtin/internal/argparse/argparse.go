// Package argparse reads typed values out of decoded JSON tool
// arguments.
package argparse

import (
	"fmt"
	"math"
	"strings"
)

// String reads a string arg by key.
func String(args map[string]any, key string, required bool) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("tool: missing required arg %q", key)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("tool: arg %q must be string", key)
	}
	if required && strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("tool: arg %q must be non-empty", key)
	}
	return value, nil
}

// Int reads an integer arg by key. JSON numbers decode as float64; a
// fractional value is rejected.
func Int(args map[string]any, key string, defaultValue int) (int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return defaultValue, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.Trunc(v) != v {
			return 0, fmt.Errorf("tool: arg %q must be integer", key)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("tool: arg %q must be integer", key)
	}
}

// Bool reads a boolean arg by key.
func Bool(args map[string]any, key string, defaultValue bool) (bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return defaultValue, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("tool: arg %q must be boolean", key)
	}
	return value, nil
}
