// Package duedate turns user-supplied due dates into absolute UTC instants.
package duedate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// A bare "m" is matched only so it can be refused: minutes and months are
// both plausible readings.
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)(mo|[hdwmy])$`)

// maxCompact bounds the magnitude of a compact offset; 10000 hours or years
// both stay well inside time.Duration and time.Time ranges.
const maxCompact = 10000

var ErrEmpty = errors.New("due date is empty")

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// Parse accepts, in order: compact offsets (+3d, 2w, -1d, 12h, 1mo, 1y),
// RFC3339, a bare date (end of that day, UTC) and natural language such as
// "next friday". Relative forms resolve against now.
func Parse(input string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, ErrEmpty
	}
	if t, ok, err := parseCompact(s, now); ok {
		if err != nil {
			return time.Time{}, fmt.Errorf("parse due date %q: %w", input, err)
		}
		return t, nil
	}
	if t, err := ParseAbsolute(s); err == nil {
		return t, nil
	}
	r, err := parser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse due date %q: %w", input, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized due date %q", input)
	}
	return r.Time.UTC(), nil
}

// ParseAbsolute accepts only RFC3339 and bare dates. The HTTP API uses it so
// request bodies never depend on the server clock.
func ParseAbsolute(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.Parse("2006-01-02", s); err == nil {
		return EndOfDay(d), nil
	}
	return time.Time{}, fmt.Errorf("due date %q must be RFC3339 or YYYY-MM-DD", s)
}

// EndOfDay returns the last second of t's UTC calendar day.
func EndOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

// parseCompact reports ok when s has the compact shape, even if the offset
// itself is then refused.
func parseCompact(s string, now time.Time) (time.Time, bool, error) {
	m := compactRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return time.Time{}, false, nil
	}
	if m[3] == "m" {
		return time.Time{}, true, errors.New(`ambiguous unit "m"; use "mo" for months or "h" for hours`)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n > maxCompact {
		return time.Time{}, true, fmt.Errorf("offset %s exceeds %d", m[2], maxCompact)
	}
	if m[1] == "-" {
		n = -n
	}
	now = now.UTC()
	switch m[3] {
	case "h":
		return now.Add(time.Duration(n) * time.Hour), true, nil
	case "d":
		return now.AddDate(0, 0, n), true, nil
	case "w":
		return now.AddDate(0, 0, 7*n), true, nil
	case "mo":
		return now.AddDate(0, n, 0), true, nil
	default:
		return now.AddDate(n, 0, 0), true, nil
	}
}
