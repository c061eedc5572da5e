package sqlbackend

import (
	"fmt"
	"time"
)

// DateTimeFormat is the text layout used by drivers that store timestamps as text.
const DateTimeFormat = "2006-01-02 15:04:05.999999"

// dateTimeFormats lists layouts accepted when a driver returns text.
var dateTimeFormats = []string{
	DateTimeFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return ts, nil
	case []byte:
		return parseTimestampText(string(ts))
	case string:
		return parseTimestampText(ts)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func parseTimestampText(s string) (time.Time, error) {
	for _, format := range dateTimeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp %q", s)
}
