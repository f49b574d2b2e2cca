package ingestion

import (
	"fmt"
	"strings"
	"time"
)

const yymmLayout = "0601"

// PreviousMonth returns the first day of the month before now, in UTC.
func PreviousMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
}

// ParseYYMM parses a feed month such as "2501" into the first day of that month.
func ParseYYMM(value string) (time.Time, error) {
	if len(value) != 4 {
		return time.Time{}, fmt.Errorf("invalid YYMM %q: expected four digits", value)
	}
	version, err := time.Parse(yymmLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid YYMM %q: %w", value, err)
	}
	return version, nil
}

func FormatYYMM(version time.Time) string {
	return version.Format(yymmLayout)
}

func replaceYYMM(pattern string, yymm string) string {
	return strings.ReplaceAll(pattern, "{YYMM}", yymm)
}
