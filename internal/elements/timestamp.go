package elements

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a timestamp into unix seconds. It accepts RFC3339,
// the same without a zone (read as UTC), a bare date, and the osmosis state
// file form where colons are escaped as "\:". A plain integer is taken as
// unix seconds already.
func ParseTimestamp(s string) (int64, error) {
	value := strings.TrimSpace(s)
	if value == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n, nil
	}

	// Unescape colons (state files escape colons as \:)
	value = strings.ReplaceAll(value, `\:`, ":")

	var t time.Time
	var err error
	for _, format := range timestampFormats {
		t, err = time.ParseInLocation(format, value, time.UTC)
		if err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
}

// FormatTimestamp renders unix seconds as an RFC3339 UTC string. Zero
// renders as the empty string.
func FormatTimestamp(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02T15:04:05Z")
}
