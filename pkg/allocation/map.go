// Package allocation distributes shared compute spend across datasets in
// proportion to each dataset's share of the hosted data on the day the work
// ran.
package allocation

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoRatioForDate is returned when usage predates the first known ratio.
var ErrNoRatioForDate = errors.New("no allocation ratio for date")

// Ratio is one dataset's share on a given day.
type Ratio struct {
	// Fraction of shared spend the dataset carries, in [0, 1]. Fractions
	// across a day's ratios sum to 1.
	Fraction float64
	// DatasetSize is the sample count the fraction was derived from,
	// recorded on rows for auditability.
	DatasetSize int
}

// Entry is the ratio table effective from Date until the next entry's date.
type Entry struct {
	Date   time.Time
	Ratios map[string]Ratio
}

// Map is a date-ordered step function of allocation ratios.
type Map struct {
	entries []Entry
}

// NewMap builds a Map from entries, ordering them by date.
func NewMap(entries []Entry) *Map {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})
	return &Map{entries: sorted}
}

// At returns the entry in effect at t: the latest entry dated on or before
// t's day. Usage before the first entry is an error, allocating it against
// ratios that didn't exist yet would misattribute spend.
func (m *Map) At(t time.Time) (Entry, error) {
	day := t.UTC().Truncate(24 * time.Hour)
	for i := len(m.entries) - 1; i >= 0; i-- {
		if !m.entries[i].Date.After(day) {
			return m.entries[i], nil
		}
	}
	return Entry{}, fmt.Errorf("%w %s", ErrNoRatioForDate, day.Format("2006-01-02"))
}

// Len reports how many entries the map holds.
func (m *Map) Len() int {
	return len(m.entries)
}
