package domain

import (
	"fmt"
	"time"
)

// TimeExtent is a time period or instant. An extent whose EndNow flag is set
// has no fixed end and follows the current time until it is superseded.
type TimeExtent struct {
	Begin  time.Time `json:"begin"`
	End    time.Time `json:"end,omitzero"`
	EndNow bool      `json:"endNow,omitempty"`
}

// BeginAt returns an open-ended extent starting at t.
func BeginAt(t time.Time) TimeExtent {
	return TimeExtent{Begin: t, EndNow: true}
}

// BeginNow returns an open-ended extent starting at the current time.
func BeginNow() TimeExtent {
	return BeginAt(time.Now().UTC())
}

// Period returns a closed extent between begin and end.
func Period(begin, end time.Time) TimeExtent {
	return TimeExtent{Begin: begin, End: end}
}

// Instant returns a zero-length extent at t.
func Instant(t time.Time) TimeExtent {
	return TimeExtent{Begin: t, End: t}
}

// Span returns the smallest extent covering both a and b.
func Span(a, b TimeExtent) TimeExtent {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	out := a
	if b.Begin.Before(out.Begin) {
		out.Begin = b.Begin
	}
	switch {
	case a.EndNow || b.EndNow:
		out.EndNow = true
		out.End = time.Time{}
	case b.End.After(out.End):
		out.End = b.End
	}
	return out
}

// IsZero reports whether the extent is unset.
func (te TimeExtent) IsZero() bool {
	return te.Begin.IsZero() && te.End.IsZero() && !te.EndNow
}

// EndsNow reports whether the extent is open and still valid.
func (te TimeExtent) EndsNow() bool {
	return te.EndNow
}

// IsInstant reports whether begin and end are the same instant.
func (te TimeExtent) IsInstant() bool {
	return !te.EndNow && te.Begin.Equal(te.End)
}

// EndAt resolves the extent end against the supplied current time.
func (te TimeExtent) EndAt(now time.Time) time.Time {
	if te.EndNow {
		return now
	}
	return te.End
}

// Contains reports whether t falls inside the extent, both bounds included.
func (te TimeExtent) Contains(t, now time.Time) bool {
	return !t.Before(te.Begin) && !t.After(te.EndAt(now))
}

// Intersects reports whether the two extents overlap.
func (te TimeExtent) Intersects(other TimeExtent, now time.Time) bool {
	return !te.Begin.After(other.EndAt(now)) && !other.Begin.After(te.EndAt(now))
}

func (te TimeExtent) String() string {
	if te.IsZero() {
		return "unbounded"
	}
	end := "now"
	if !te.EndNow {
		end = te.End.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s/%s", te.Begin.Format(time.RFC3339Nano), end)
}
