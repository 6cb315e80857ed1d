package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// GetEnv retrieves an environment variable value.
// Returns empty string if not set.
func GetEnv(key string) string {
	return os.Getenv(key)
}

// GetEnvOrDefault retrieves an environment variable or returns a default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an environment variable as an integer.
// Returns the default value if not set or invalid.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetEnvBool retrieves an environment variable as a boolean.
// Accepts true/1/yes/on and false/0/no/off, case-insensitive.
func GetEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return defaultValue
}

// GetEnvInt64Slice retrieves a comma-separated list of integer ids, e.g. "3,7".
// Returns the default value if not set or if any element is not an integer.
func GetEnvInt64Slice(key string, defaultValue []int64) []int64 {
	parts := splitAndTrim(os.Getenv(key))
	if len(parts) == 0 {
		return defaultValue
	}
	ids, err := ParseIDList(parts)
	if err != nil {
		return defaultValue
	}
	return ids
}

// ParseIDList converts trimmed string ids into integers.
func ParseIDList(parts []string) ([]int64, error) {
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitAndTrim(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
