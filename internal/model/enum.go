package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidEnum is returned when a string does not name a known enum value.
// Callers check it with errors.Is to map boundary input to a 400.
var ErrInvalidEnum = errors.New("invalid enum value")

// enumValue is satisfied by every string-backed enum in this package.
type enumValue interface {
	~string
}

// parseEnum matches s (case-insensitive, trimmed) against the allowed values.
func parseEnum[T enumValue](kind, s string, allowed []T) (T, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, v := range allowed {
		if string(v) == norm {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s %q (allowed: %s)", ErrInvalidEnum, kind, s, joinEnum(allowed))
}

func joinEnum[T enumValue](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

// unmarshalEnum backs UnmarshalText so JSON bodies and query strings go
// through the same Parse function. An empty string decodes to the zero value,
// leaving defaulting to the service that owns the field.
func unmarshalEnum[T enumValue](parse func(string) (T, error), text []byte, dst *T) error {
	if strings.TrimSpace(string(text)) == "" {
		var zero T
		*dst = zero
		return nil
	}
	v, err := parse(string(text))
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func validEnum[T enumValue](v T, allowed []T) bool {
	return slices.Contains(allowed, v)
}
