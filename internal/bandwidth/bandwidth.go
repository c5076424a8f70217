// Package bandwidth parses rate strings shared by pipebench and its tools.
package bandwidth

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var bandwidthRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z/]*)$`)

// Parse parses bandwidth strings like "56kbit", "6mbit", "6M", "750KB".
// Returns bits per second. Uses SI units (k=1000); a bare or "bit"
// suffix means bits, a "b"/"byte" suffix means bytes. Case is ignored,
// so "6M" is megabits, never milli.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}

	matches := bandwidthRe.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid bandwidth format: %s", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, err
	}

	var multiplier float64 = 1
	isBytes := false

	switch matches[2] {
	case "", "bps", "bit", "bits", "bit/s":
		multiplier = 1
	case "k", "kbit", "kbps", "kbit/s":
		multiplier = 1000
	case "m", "mbit", "mbps", "mbit/s":
		multiplier = 1000000
	case "g", "gbit", "gbps", "gbit/s":
		multiplier = 1000000000
	case "b", "b/s", "byte", "bytes":
		multiplier = 1
		isBytes = true
	case "kb", "kb/s":
		multiplier = 1000
		isBytes = true
	case "mb", "mb/s":
		multiplier = 1000000
		isBytes = true
	default:
		return 0, fmt.Errorf("unknown bandwidth unit: %s", matches[2])
	}

	bits := value * multiplier
	if isBytes {
		bits *= 8
	}
	return int64(bits), nil
}
