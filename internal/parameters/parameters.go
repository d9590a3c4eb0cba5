// Package parameters handles generic configuration Params, a map[string]string that
// callers can fill from a "key=value,key2=value2" configuration string.
//
// The explainer and model constructors consume Params through GetParamOr/PopParamOr,
// so unknown keys can be detected by the caller after all known ones were popped.
package parameters

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString creates params from a user's configuration string, e.g.
// "mask_activation=sigmoid,lr=0.01,zeroing".
// A key without "=" maps to an empty value, which bool parsing reads as true.
func NewFromConfigString(config string) Params {
	params := make(Params)
	if config == "" {
		return params
	}
	for _, part := range strings.Split(config, ",") {
		subParts := strings.SplitN(part, "=", 2) // Values may themselves contain '='.
		if len(subParts) == 1 {
			params[subParts[0]] = ""
		} else {
			params[subParts[0]] = subParts[1]
		}
	}
	return params
}

// PopParamOr is like GetParamOr, but it also deletes the retrieved parameter from the
// params map.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present,
// or returns the defaultValue if not.
//
// For bool types, a key present without a value is interpreted as true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var t T
	toT := func(v any) T { return v.(T) }
	switch (any)(defaultValue).(type) {
	case string:
		return toT(value), nil
	case int:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
		}
		return toT(parsed), nil
	case float32:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(float32(parsed)), nil
	case float64:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(parsed), nil
	case bool:
		lower := strings.ToLower(value)
		if value == "" || lower == "true" || value == "1" {
			return toT(true), nil
		}
		if lower == "false" || value == "0" {
			return toT(false), nil
		}
		return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
	}
	return defaultValue, nil
}
