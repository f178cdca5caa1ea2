package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, errors.Newf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseSpacing resolves a spacing range. Empty bounds take the defaults and
// a missing max collapses onto min.
func ParseSpacing(path string, sc SpacingConfig, defMin, defMax time.Duration) (time.Duration, time.Duration, error) {
	minRaw, maxRaw := strings.TrimSpace(sc.Min), strings.TrimSpace(sc.Max)
	if minRaw == "" && maxRaw == "" {
		return defMin, defMax, nil
	}
	lo, err := ParseDurationField(path+".min", minRaw)
	if err != nil {
		return 0, 0, err
	}
	hi, err := ParseDurationField(path+".max", maxRaw)
	if err != nil {
		return 0, 0, err
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi, nil
}
