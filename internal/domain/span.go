package domain

import (
	"errors"
	"time"
)

// ErrEndBeforeStart is returned when a span would end before it starts.
var ErrEndBeforeStart = errors.New("span end before start")

// TimeSpan is either complete (fixed start and end) or incomplete (a
// start paired implicitly with "now"). End is nil while incomplete. A
// span transitions from incomplete to complete exactly once.
type TimeSpan struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// IncompleteSpan returns an ongoing span starting at start.
func IncompleteSpan(start time.Time) TimeSpan {
	return TimeSpan{Start: start.UTC()}
}

// CompleteSpan returns a closed span, failing if end precedes start.
func CompleteSpan(start, end time.Time) (TimeSpan, error) {
	if end.Before(start) {
		return TimeSpan{}, ErrEndBeforeStart
	}
	e := end.UTC()
	return TimeSpan{Start: start.UTC(), End: &e}, nil
}

// Complete reports whether the span has ended.
func (s TimeSpan) Complete() bool { return s.End != nil }

// Completed returns a closed copy of an incomplete span, failing if the
// span is already complete or end precedes the start.
func (s TimeSpan) Completed(end time.Time) (TimeSpan, error) {
	if s.Complete() {
		return TimeSpan{}, errors.New("span already complete")
	}
	return CompleteSpan(s.Start, end)
}

// Duration measures the span. An incomplete span is measured against now.
func (s TimeSpan) Duration(now time.Time) time.Duration {
	if s.End != nil {
		return s.End.Sub(s.Start)
	}
	return now.Sub(s.Start)
}
