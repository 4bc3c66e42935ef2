package allocation

import (
	"time"
)

// =============================================================================
// WINDOW - Half-open event interval [Start, End)
// =============================================================================

type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window and validates End > Start.
func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: start, End: end}
	return w, w.Validate()
}

func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return &InvalidRequestError{Code: CodeInvalidWindow, Message: "event end must be after start"}
	}
	return nil
}

// Overlaps uses half-open semantics: touching boundaries do not overlap.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && w.End.After(other.Start)
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// Instant is the smallest window containing t.
func Instant(t time.Time) Window {
	return Window{Start: t, End: t.Add(time.Nanosecond)}
}

// =============================================================================
// CLOCK - Injected so tests control write times
// =============================================================================

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// SystemClock returns a clock backed by time.Now in UTC.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

type fixedClock struct{ now time.Time }

// FixedClock always returns t.
func FixedClock(t time.Time) Clock { return fixedClock{now: t.UTC()} }

func (f fixedClock) Now() time.Time { return f.now }
