package address

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// relSegmentRe matches one segment of a relative deliver-at expression,
// e.g. "1Y", "30m". Units are case-sensitive: Y M D are calendar units,
// h m s are clock units.
var relSegmentRe = regexp.MustCompile(`^(\d+)([YMDhms])`)

// ParseDeliverAt converts a user-supplied deliver-at string into unix
// milliseconds UTC. Three input forms are accepted:
//
//   - ISO 8601 instant with offset: "2026-03-01T09:00:00+07:00"
//   - bare ISO-like local datetime, interpreted in loc (the boss
//     timezone): "2026-03-01T09:00" or "2026-03-01 09:00:00"
//   - signed relative expression: "+1Y2M3D", "-30m", "+90s"
//
// now anchors relative expressions. Month and year arithmetic clamps the
// day-of-month to the target month's length (Jan 31 +1M = Feb 28/29).
func ParseDeliverAt(s string, now time.Time, loc *time.Location) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty deliver-at")
	}
	if loc == nil {
		loc = time.UTC
	}

	if s[0] == '+' || s[0] == '-' {
		return parseRelative(s, now)
	}

	// Absolute instant with explicit offset or Z.
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999Z07:00", "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}

	// Bare local datetime in the boss timezone.
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UnixMilli(), nil
		}
	}

	return 0, fmt.Errorf("invalid deliver-at %q: want ISO 8601 instant, local datetime, or relative [+-]<n>{Y|M|D|h|m|s}", s)
}

// parseRelative evaluates a signed concatenated relative expression
// such as "+1Y2M3D" or "-90m" against now.
func parseRelative(s string, now time.Time) (int64, error) {
	sign := int64(1)
	if s[0] == '-' {
		sign = -1
	}
	rest := s[1:]
	if rest == "" {
		return 0, fmt.Errorf("invalid relative deliver-at %q", s)
	}

	t := now
	var dur time.Duration
	for len(rest) > 0 {
		m := relSegmentRe.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("invalid relative deliver-at %q: bad segment %q", s, rest)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid relative deliver-at %q: %w", s, err)
		}
		n *= sign
		switch m[2] {
		case "Y":
			t = addMonthsClamped(t, int(n)*12)
		case "M":
			t = addMonthsClamped(t, int(n))
		case "D":
			t = t.AddDate(0, 0, int(n))
		case "h":
			dur += time.Duration(n) * time.Hour
		case "m":
			dur += time.Duration(n) * time.Minute
		case "s":
			dur += time.Duration(n) * time.Second
		}
		rest = rest[len(m[0]):]
	}
	return t.Add(dur).UnixMilli(), nil
}

// addMonthsClamped shifts t by months, clamping the day-of-month to the
// target month's length instead of letting it spill into the next month
// the way AddDate does (Jan 31 + 1 month = Feb 28, not Mar 3).
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location()).AddDate(0, months, 0)
	if last := daysInMonth(target.Year(), target.Month()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FormatUTCMillis renders a unix-ms timestamp as an RFC 3339 UTC instant
// with millisecond precision. The inverse of ParseDeliverAt for the
// absolute form.
func FormatUTCMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
