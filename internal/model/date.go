package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC. All effective dates are compared as days.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "model: parse date %q", s)
	}
	return t, nil
}

// MustDate parses a YYYY-MM-DD date and panics on error. Test and seed helper.
func MustDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// DatePtr returns a pointer to the parsed date, or nil for "".
func DatePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Window is a validity interval. Start is inclusive, End exclusive; a nil
// End means the window is still open.
type Window struct {
	Start time.Time  `json:"effective_start"`
	End   *time.Time `json:"effective_end,omitempty"`
}

// Covers reports whether d falls inside the window.
func (w Window) Covers(d time.Time) bool {
	d = Day(d)
	if d.Before(Day(w.Start)) {
		return false
	}
	return w.End == nil || d.Before(Day(*w.End))
}

// IsOpen reports whether the window has no end.
func (w Window) IsOpen() bool { return w.End == nil }

// Empty reports whether the window is zero-width (closed at its own start).
func (w Window) Empty() bool {
	return w.End != nil && !Day(*w.End).After(Day(w.Start))
}

// ClosedAt returns a copy of w with End set to t.
func (w Window) ClosedAt(t time.Time) Window {
	end := Day(t)
	return Window{Start: w.Start, End: &end}
}

// String renders the window as [start, end).
func (w Window) String() string {
	end := "open"
	if w.End != nil {
		end = w.End.Format(DateLayout)
	}
	return "[" + w.Start.Format(DateLayout) + ", " + end + ")"
}
