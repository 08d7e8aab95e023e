package timeutil

import (
	"fmt"
	"time"
)

const (
	// DefaultInterval is the sync window length used when a trigger carries
	// no explicit start, plus a small overlap with the previous period so
	// late-settling rows on the boundary are re-examined (the content-hash
	// IDs make the overlap safe).
	DefaultInterval = 4*time.Hour + 5*time.Minute

	// WarehouseTimeFormat is the second-precision format rows are
	// transported to the warehouse in, and the format embedded timestamps
	// take inside content hashes. Sub-second noise must never change a
	// row's identity.
	WarehouseTimeFormat = "2006-01-02 15:04:05"

	// HashTimeFormat is the timestamp form used inside canonical row
	// serializations.
	HashTimeFormat = "2006-01-02T15:04:05"

	// DateFormat is the date-only form used by partner APIs and partition
	// filters.
	DateFormat = "2006-01-02"
)

// invoiceDayDiff pads invoice month boundaries: cost lines settle up to a
// few days after the usage they cover.
const invoiceDayDiff = 3

// Window is a half-open [Start, End) sync range.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Resolve applies defaults to an optionally explicit window: a zero end
// becomes now, a zero start becomes end - interval. Times are normalized to
// UTC.
func Resolve(start, end time.Time, interval time.Duration, now func() time.Time) Window {
	if interval <= 0 {
		interval = DefaultInterval
	}
	e := end
	if e.IsZero() {
		e = now()
	}
	s := start
	if s.IsZero() {
		s = e.Add(-interval)
	}
	return Window{Start: s.UTC(), End: e.UTC()}
}

// Iterate splits w into consecutive half-open sub-windows of length
// interval. The final sub-window is clipped to w.End and may be shorter. An
// empty or inverted window yields nothing.
func Iterate(w Window, interval time.Duration) []Window {
	if interval <= 0 {
		interval = DefaultInterval
	}
	var out []Window
	from := w.Start
	to := w.Start.Add(interval)
	for to.Before(w.End) {
		out = append(out, Window{Start: from, End: to})
		from = from.Add(interval)
		to = to.Add(interval)
	}
	if to.After(w.End) {
		to = w.End
	}
	if from.Before(to) {
		out = append(out, Window{Start: from, End: to})
	}
	return out
}

// InvoiceMonth returns the YYYYMM invoice month key for t.
func InvoiceMonth(t time.Time) string {
	return t.Format("200601")
}

// InvoiceMonthRange returns the padded [start, end] date range covering the
// invoice month t falls in.
func InvoiceMonthRange(t time.Time) (time.Time, time.Time) {
	firstDay := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	start := firstDay.AddDate(0, 0, -invoiceDayDiff)
	nextMonth := firstDay.AddDate(0, 1, 0)
	end := nextMonth.AddDate(0, 0, invoiceDayDiff-1)
	return start, end
}

// ParseAPITime parses the timestamp forms the batch usage API produces:
// RFC3339 with or without sub-second precision, or a bare
// "2006-01-02T15:04:05" treated as UTC.
func ParseAPITime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(HashTimeFormat, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("could not parse timestamp %q", s)
}
