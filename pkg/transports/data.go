package transports

import (
	"fmt"
	"strconv"
	"time"
)

// DataString reads a string value from host data.
func DataString(data map[string]any, key, fallback string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// DataInt reads an integer value from host data, accepting numeric strings.
func DataInt(data map[string]any, key string, fallback int) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// DataBool reads a boolean value from host data, accepting "true"/"false" strings.
func DataBool(data map[string]any, key string, fallback bool) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// DataDuration reads a duration from host data. Plain numbers are seconds.
func DataDuration(data map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := data[key].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
