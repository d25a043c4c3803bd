package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

const ExchangePrefix = "exchanges"

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildExchangeKey places one archived exchange under a UTC date partition:
// exchanges/YYYY/MM/DD/<trace-id>.parquet.
func BuildExchangeKey(traceID string, at time.Time) (string, error) {
	if err := validatePathComponent(traceID, "trace id"); err != nil {
		return "", err
	}
	ts := at.UTC()
	return path.Join(
		ExchangePrefix,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		traceID+".parquet",
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

// ParseExchangeKey returns the UTC day partition of a key built by
// BuildExchangeKey. Keys outside that layout report false.
func ParseExchangeKey(key string) (time.Time, bool) {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) != 5 || parts[0] != ExchangePrefix || !strings.HasSuffix(parts[4], ".parquet") {
		return time.Time{}, false
	}
	day, err := time.Parse("2006/01/02", strings.Join(parts[1:4], "/"))
	if err != nil {
		return time.Time{}, false
	}
	return day.UTC(), true
}
