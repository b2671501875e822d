package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a byte size. Single-letter suffixes ("512m", "2g") are read as binary
// units the way container and VM tooling does; anything else goes through humanize
// ("2GiB", "1.5 GB", "1048576").
func ParseSize(value string) (int64, error) {
	candidate := strings.ToLower(strings.TrimSpace(value))
	if candidate == "" {
		return 0, fmt.Errorf("size value is empty")
	}

	switch last := candidate[len(candidate)-1]; last {
	case 'k', 'm', 'g', 't':
		candidate += "ib"
	}

	n, err := humanize.ParseBytes(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", value)
	}
	return int64(n), nil
}

// SizeOrDefault parses value and falls back to defaultValue when empty.
func SizeOrDefault(value string, defaultValue string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		value = defaultValue
	}
	return ParseSize(value)
}

// FormatSize renders a byte count in binary units for display.
func FormatSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}
