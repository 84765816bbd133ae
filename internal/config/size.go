package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// binaryUnits maps decimal-looking suffixes to the 1024-based units they mean here.
var binaryUnits = []struct{ from, to string }{
	{"KB", "KIB"},
	{"MB", "MIB"},
	{"GB", "GIB"},
	{"TB", "TIB"},
}

// ParseSize converts a size string such as "512", "1KB", "100MB" or "2GiB" to bytes.
// KB, MB, GB and TB are binary units.
func ParseSize(s string) (int64, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	if norm == "" {
		return 0, fmt.Errorf("empty size")
	}
	for _, u := range binaryUnits {
		if strings.HasSuffix(norm, u.from) {
			norm = strings.TrimSuffix(norm, u.from) + u.to
			break
		}
	}

	n, err := humanize.ParseBytes(norm)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}

// FormatSize renders a byte count using binary units.
func FormatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
