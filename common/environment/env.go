// Package environment reads configuration overrides from environment
// variables.
//
// Each helper returns the fallback when the variable is unset or blank. A
// variable that is set but cannot be parsed is an error naming the variable,
// so a typo in a deployment manifest fails startup instead of silently
// falling back to a default.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of name and whether it is non-blank.
func lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

// StringOr returns the value of the named environment variable, or fallback
// if the variable is unset or empty.
func StringOr(name, fallback string) string {
	if v, ok := lookup(name); ok {
		return v
	}
	return fallback
}

// IntOr parses the named variable as a decimal integer.
func IntOr(name string, fallback int) (int, error) {
	v, ok := lookup(name)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("environment variable %s: %q is not an integer", name, v)
	}
	return n, nil
}

// FloatOr parses the named variable as a floating point number.
func FloatOr(name string, fallback float64) (float64, error) {
	v, ok := lookup(name)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("environment variable %s: %q is not a number", name, v)
	}
	return f, nil
}

// BoolOr parses the named variable with strconv.ParseBool.
func BoolOr(name string, fallback bool) (bool, error) {
	v, ok := lookup(name)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("environment variable %s: %q is not a boolean", name, v)
	}
	return b, nil
}

// DurationOr parses the named variable as a time.Duration (e.g. "30s").
func DurationOr(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := lookup(name)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("environment variable %s: %q is not a duration", name, v)
	}
	return d, nil
}

// StringSliceOr parses the named environment variable as a comma-separated list
// of strings, trimming whitespace from each element. Returns fallback if the
// variable is unset or holds no elements.
func StringSliceOr(name string, fallback []string) []string {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
