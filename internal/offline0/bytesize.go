package offline0

import (
	"fmt"
	"strconv"
	"strings"
)

var byteUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// parseBytes reads sizes like "512", "64kb", "1.5m" or "2g". Units are binary.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "b")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	if m, ok := byteUnits[s[len(s)-1]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
