package common

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// StringInSlice reports whether s is an element of slice.
func StringInSlice(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// UniqueStrings returns the input without duplicates, keeping the first
// occurrence of every value.
func UniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

var sizeUnits = map[string]uint64{
	"b": 1,
	"k": 1024,
	"K": 1024,
	"m": 1024 * 1024,
	"M": 1024 * 1024,
	"g": 1024 * 1024 * 1024,
	"G": 1024 * 1024 * 1024,
}

var mediaSizeRegex = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)\s*([bkKmMgG]?)\s*$`)

// ParseMediaSize converts sizes such as "4700000000", "8G" or "4.7G" into
// bytes. Units are binary. Zero and negative sizes are rejected.
func ParseMediaSize(size string) (uint64, error) {
	m := mediaSizeRegex.FindStringSubmatch(size)
	if m == nil {
		return 0, fmt.Errorf("invalid media size: %q", size)
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid media size %q: %w", size, err)
	}
	unit := m[2]
	if unit == "" {
		unit = "b"
	}
	result := uint64(math.Floor(num * float64(sizeUnits[unit])))
	if result == 0 {
		return 0, fmt.Errorf("media size must be a positive number: %s", size)
	}
	return result, nil
}

// Size is a byte count that can be written either as a TOML integer or as a
// string with a unit suffix.
type Size uint64

func (s *Size) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case int64:
		if v <= 0 {
			return fmt.Errorf("media size must be a positive number: %d", v)
		}
		*s = Size(v)
	case string:
		n, err := ParseMediaSize(v)
		if err != nil {
			return err
		}
		*s = Size(n)
	default:
		return fmt.Errorf("unsupported size value %v (%T)", data, data)
	}
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(s), 10)), nil
}

func (s Size) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(s), 10)), nil
}

// RelativePath strips root from path. Both are expected to be clean and
// absolute; path is returned unchanged when it is outside of root.
func RelativePath(path, root string) string {
	root = strings.TrimSuffix(root, "/") + "/"
	return strings.TrimPrefix(path, root)
}
