package domain

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTimeExtentContainsOpenEnd(t *testing.T) {
	te := BeginAt(t0)
	now := t0.Add(time.Hour)
	if !te.Contains(t0.Add(30*time.Minute), now) {
		t.Fatalf("expected open extent to contain a time before now")
	}
	if te.Contains(now.Add(time.Second), now) {
		t.Fatalf("open extent must end at now")
	}
	if !te.EndsNow() || te.IsInstant() {
		t.Fatalf("unexpected flags for %v", te)
	}
}

func TestTimeExtentIntersects(t *testing.T) {
	a := Period(t0, t0.Add(time.Hour))
	b := Period(t0.Add(time.Hour), t0.Add(2*time.Hour))
	c := Period(t0.Add(3*time.Hour), t0.Add(4*time.Hour))
	if !a.Intersects(b, t0) {
		t.Fatalf("touching extents intersect")
	}
	if a.Intersects(c, t0) {
		t.Fatalf("disjoint extents must not intersect")
	}
	if !Instant(t0).IsInstant() {
		t.Fatalf("instant expected")
	}
}

func TestSpan(t *testing.T) {
	a := Period(t0, t0.Add(time.Hour))
	b := Period(t0.Add(-time.Hour), t0.Add(30*time.Minute))
	got := Span(a, b)
	if !got.Begin.Equal(t0.Add(-time.Hour)) || !got.End.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected span %v", got)
	}
	open := Span(a, BeginAt(t0.Add(2*time.Hour)))
	if !open.EndNow || !open.End.IsZero() {
		t.Fatalf("span with an open extent must stay open: %v", open)
	}
	if Span(TimeExtent{}, a) != a || Span(a, TimeExtent{}) != a {
		t.Fatalf("zero extent must be neutral")
	}
}

func TestTimeExtentString(t *testing.T) {
	if got := (TimeExtent{}).String(); got != "unbounded" {
		t.Fatalf("unexpected %q", got)
	}
	if got := BeginAt(t0).String(); got != "2024-03-01T12:00:00Z/now" {
		t.Fatalf("unexpected %q", got)
	}
}
