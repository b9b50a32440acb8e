package backend

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params holds the configuration given to Device.Init, parsed from a string in the format
// "key1=value1,key2=value2". Keys without a value (e.g. "verbose") are set to "true".
//
// Keys are case-insensitive (they are stored in lower case).
type Params map[string]string

// ParseParams parses a configuration string. An empty string returns an empty (non-nil) Params.
func ParseParams(config string) (Params, error) {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, errors.Errorf("invalid backend configuration %q: empty key in %q", config, part)
		}
		if !found {
			value = "true"
		}
		params[key] = strings.TrimSpace(value)
	}
	return params, nil
}

// Int returns the integer value for key, or defaultValue if it is not set.
func (p Params) Int(key string, defaultValue int) (int, error) {
	str, found := p[strings.ToLower(key)]
	if !found {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(str)
	if err != nil {
		return defaultValue, errors.Wrapf(err, "invalid integer value for %q", key)
	}
	return value, nil
}

// Bool returns the boolean value for key, or defaultValue if it is not set.
func (p Params) Bool(key string, defaultValue bool) (bool, error) {
	str, found := p[strings.ToLower(key)]
	if !found {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(str)
	if err != nil {
		return defaultValue, errors.Wrapf(err, "invalid boolean value for %q", key)
	}
	return value, nil
}

// CheckKnown returns an error if any key is not in the list of known keys.
func (p Params) CheckKnown(known ...string) error {
	var unknown []string
	for key := range p {
		if !slices.Contains(known, key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return errors.Errorf("unknown configuration keys %q, valid keys are %q", unknown, known)
	}
	return nil
}

// String implements fmt.Stringer, with keys sorted.
func (p Params) String() string {
	keys := keys(p)
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for ii, key := range keys {
		parts[ii] = fmt.Sprintf("%s=%s", key, p[key])
	}
	return strings.Join(parts, ",")
}
