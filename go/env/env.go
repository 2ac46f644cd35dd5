// Package env reads configuration from environment variables whose canonical
// names contain colons (e.g. "R2TileStore:AccessKey"). Shells that forbid
// colons in variable names can export the same value with the colons replaced
// by double underscores ("R2TileStore__AccessKey").
package env

import (
	"os"
	"strings"

	"go.minimaps.dev/infra/go/mmerr"
)

// Get looks up the variable by its canonical colon name, falling back to the
// double-underscore form. Returns "" if neither is set.
func Get(name string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return os.Getenv(strings.ReplaceAll(name, ":", "__"))
}

// GetWithDefault returns the variable's value, or def if it is unset or empty.
func GetWithDefault(name, def string) string {
	if v := Get(name); v != "" {
		return v
	}
	return def
}

// GetRequired returns the variable's value or an error naming the variable.
func GetRequired(name string) (string, error) {
	if v := Get(name); v != "" {
		return v, nil
	}
	return "", mmerr.Fmt("required environment variable %q is not set", name)
}
