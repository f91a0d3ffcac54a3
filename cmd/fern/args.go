package main

import (
	"encoding/json"
	"strings"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
)

// parseArguments turns key=value pairs into query arguments. Values that
// parse as JSON keep their JSON type; anything else is a string.
func parseArguments(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, ferrors.NewValidationError("arguments", "argument %q is not key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		args[key] = value
	}
	return args, nil
}
