package env

import (
	"os"
	"strconv"
	"time"
)

// Str returns the value of the environment variable key, or fallback if unset/empty.
func Str(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// Int parses key as an integer, returning fallback if unset or invalid.
func Int(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

// Float parses key as a float64, returning fallback if unset or invalid.
func Float(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

// Bool parses key with strconv.ParseBool semantics.
func Bool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

// Duration parses key as a Go duration ("2s", "150ms"). A bare integer is
// read as milliseconds.
func Duration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
